package adapters

import (
	"strings"

	"github.com/smallbiznis/pagebill/internal/payment/domain"
)

// Selector picks a gateway adapter for a checkout. Only configured adapters
// are registered; asking for another one yields ErrProviderNotConfigured.
type Selector struct {
	providers map[domain.ProviderType]domain.Provider
	fallback  domain.ProviderType
}

func NewSelector(fallback domain.ProviderType, providers ...domain.Provider) *Selector {
	selector := &Selector{
		providers: map[domain.ProviderType]domain.Provider{},
		fallback:  domain.ProviderPayPal,
	}
	if fallback != "" {
		selector.fallback = fallback
	}
	for _, provider := range providers {
		if provider == nil {
			continue
		}
		selector.providers[provider.Type()] = provider
	}
	return selector
}

func (s *Selector) Get(providerType domain.ProviderType) (domain.Provider, error) {
	if s == nil {
		return nil, domain.ErrProviderNotConfigured
	}
	switch providerType {
	case domain.ProviderPayPal, domain.ProviderRazorpay:
	default:
		return nil, domain.ErrProviderNotFound
	}
	provider, ok := s.providers[providerType]
	if !ok {
		return nil, domain.ErrProviderNotConfigured
	}
	return provider, nil
}

// Configured lists the registered provider types.
func (s *Selector) Configured() []domain.ProviderType {
	if s == nil {
		return nil
	}
	out := make([]domain.ProviderType, 0, len(s.providers))
	for _, t := range []domain.ProviderType{domain.ProviderPayPal, domain.ProviderRazorpay} {
		if _, ok := s.providers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *Selector) ByExplicitType(providerType domain.ProviderType) (domain.Provider, error) {
	return s.Get(providerType)
}

// ByCurrency routes INR to Razorpay and everything else to PayPal.
func (s *Selector) ByCurrency(currency string) (domain.Provider, error) {
	return s.Get(ProviderForCurrency(currency))
}

// ByRegion routes India (IN, IND, INDIA, IN-xx) to Razorpay.
func (s *Selector) ByRegion(region string) (domain.Provider, error) {
	return s.Get(ProviderForRegion(region))
}

func (s *Selector) Default() (domain.Provider, error) {
	if s == nil {
		return nil, domain.ErrProviderNotConfigured
	}
	return s.Get(s.fallback)
}

// Resolve applies explicit > currency > region > default. An explicit name
// that does not parse is an error rather than a fallthrough.
func (s *Selector) Resolve(explicit, currency, region string) (domain.Provider, error) {
	if strings.TrimSpace(explicit) != "" {
		providerType, err := domain.ParseProviderType(explicit)
		if err != nil {
			return nil, err
		}
		return s.ByExplicitType(providerType)
	}
	if strings.TrimSpace(currency) != "" {
		return s.ByCurrency(currency)
	}
	if strings.TrimSpace(region) != "" {
		return s.ByRegion(region)
	}
	return s.Default()
}

func ProviderForCurrency(currency string) domain.ProviderType {
	if strings.EqualFold(strings.TrimSpace(currency), "INR") {
		return domain.ProviderRazorpay
	}
	return domain.ProviderPayPal
}

func ProviderForRegion(region string) domain.ProviderType {
	region = strings.ToUpper(strings.TrimSpace(region))
	switch {
	case region == "IN", region == "IND", region == "INDIA", strings.HasPrefix(region, "IN-"):
		return domain.ProviderRazorpay
	}
	return domain.ProviderPayPal
}
