package payment

import (
	"errors"
	"net/http"
	"time"

	"github.com/smallbiznis/pagebill/internal/config"
	"github.com/smallbiznis/pagebill/internal/payment/adapters"
	"github.com/smallbiznis/pagebill/internal/payment/adapters/paypal"
	"github.com/smallbiznis/pagebill/internal/payment/adapters/razorpay"
	"github.com/smallbiznis/pagebill/internal/payment/domain"
	"github.com/smallbiznis/pagebill/internal/payment/repository"
	paymentservice "github.com/smallbiznis/pagebill/internal/payment/service"
	"github.com/smallbiznis/pagebill/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(provideSelector),
	fx.Provide(webhook.NewProcessor),
	fx.Provide(paymentservice.NewService),
)

// provideSelector builds every adapter whose credentials are present.
// Gateways without credentials are left out and reported once at startup.
func provideSelector(cfg config.Config, log *zap.Logger) (*adapters.Selector, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	providers := make([]domain.Provider, 0, 2)

	pp, err := paypal.New(cfg.PayPal, httpClient, log)
	switch {
	case err == nil:
		providers = append(providers, pp)
	case errors.Is(err, domain.ErrProviderNotConfigured):
		log.Warn("payment provider not configured", zap.String("provider", string(domain.ProviderPayPal)))
	default:
		return nil, err
	}

	rzp, err := razorpay.New(cfg.Razorpay, httpClient, log)
	switch {
	case err == nil:
		providers = append(providers, rzp)
	case errors.Is(err, domain.ErrProviderNotConfigured):
		log.Warn("payment provider not configured", zap.String("provider", string(domain.ProviderRazorpay)))
	default:
		return nil, err
	}

	fallback, err := domain.ParseProviderType(cfg.Checkout.DefaultProvider)
	if err != nil {
		log.Warn("invalid default provider, using paypal", zap.String("value", cfg.Checkout.DefaultProvider))
		fallback = domain.ProviderPayPal
	}
	return adapters.NewSelector(fallback, providers...), nil
}
