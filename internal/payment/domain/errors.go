package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrProviderNotConfigured = errors.New("provider_not_configured")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrGatewayUnavailable    = errors.New("gateway_unavailable")

	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidPurchaseType = errors.New("invalid_purchase_type")
	ErrInvalidItems        = errors.New("invalid_items")
	ErrUnknownPrice        = errors.New("unknown_price")
	ErrCurrencyMismatch    = errors.New("currency_mismatch")
	ErrCheckoutNotFound    = errors.New("checkout_not_found")
	ErrCaptureNotCompleted = errors.New("capture_not_completed")
	ErrCaptureMismatch     = errors.New("capture_mismatch")
	ErrSubscriptionPending = errors.New("subscription_pending")
	ErrAlreadySubscribed   = errors.New("already_subscribed")
	ErrRateLimited         = errors.New("rate_limited")
)

// GatewayError is any non-2xx gateway response. Body is kept for logs only.
type GatewayError struct {
	Provider   ProviderType
	Operation  string
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s %s: gateway returned %d", e.Provider, e.Operation, e.StatusCode)
}
