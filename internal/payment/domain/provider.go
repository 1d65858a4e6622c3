package domain

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// ProviderType tags a payment gateway.
type ProviderType string

const (
	ProviderPayPal   ProviderType = "paypal"
	ProviderRazorpay ProviderType = "razorpay"
)

func (p ProviderType) String() string { return string(p) }

// ParseProviderType accepts provider names in any case.
func ParseProviderType(name string) (ProviderType, error) {
	switch ProviderType(strings.ToLower(strings.TrimSpace(name))) {
	case ProviderPayPal:
		return ProviderPayPal, nil
	case ProviderRazorpay:
		return ProviderRazorpay, nil
	case "":
		return "", ErrInvalidProvider
	default:
		return "", ErrProviderNotFound
	}
}

//go:generate mockgen -source=provider.go -destination=./mocks/mock_provider.go -package=mocks

// Provider is the normalized contract every gateway adapter satisfies.
type Provider interface {
	Type() ProviderType

	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CaptureOrder(ctx context.Context, orderID string) (*Capture, error)

	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, subscriptionID, planID string) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID, reason string) error

	RefundPayment(ctx context.Context, paymentID string, req RefundRequest) (*Refund, error)

	// VerifyWebhookSignature never fails on malformed input; it reports Verified=false.
	VerifyWebhookSignature(ctx context.Context, headers http.Header, payload []byte) (WebhookVerification, error)
	DecodeWebhookEvent(headers http.Header, payload []byte) (*WebhookEvent, error)
	ProcessWebhookEvent(ctx context.Context, event *WebhookEvent) error
}

type OrderItem struct {
	PriceID    string `json:"price_id"`
	Name       string `json:"name"`
	Quantity   int64  `json:"quantity"`
	UnitAmount int64  `json:"unit_amount"`
}

// OrderRequest amounts are in minor units.
type OrderRequest struct {
	ReferenceID string
	UserID      string
	Currency    string
	Amount      int64
	Items       []OrderItem
	Description string
	ReturnURL   string
	CancelURL   string
}

type Order struct {
	ID          string
	Status      string
	Amount      int64
	Currency    string
	ApprovalURL string
}

type CaptureStatus string

const (
	CaptureCompleted CaptureStatus = "COMPLETED"
	CapturePending   CaptureStatus = "PENDING"
	CaptureFailed    CaptureStatus = "FAILED"
)

type Capture struct {
	OrderID    string
	CaptureID  string
	Status     CaptureStatus
	Amount     int64
	Currency   string
	PayerID    string
	CapturedAt time.Time
}

// SubscriptionRequest opens a subscription. CustomerID is the user's known
// customer at the gateway and is empty on a first checkout.
type SubscriptionRequest struct {
	PlanID      string
	UserID      string
	CustomerID  string
	Email       string
	ReferenceID string
	ReturnURL   string
	CancelURL   string
}

// Subscription is a gateway subscription with its status lower-cased.
// UserID is the internal user id echoed back from custom_id or notes.
type Subscription struct {
	ID           string
	PlanID       string
	Status       string
	CustomerID   string
	UserID       string
	Currency     string
	CurrentStart *time.Time
	CurrentEnd   *time.Time
	ApprovalURL  string
}

func (s Subscription) Active() bool {
	switch s.Status {
	case "active", "authenticated":
		return true
	}
	return false
}

type RefundRequest struct {
	Amount         int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

type Refund struct {
	ID       string
	Status   string
	Amount   int64
	Currency string
}

type WebhookVerification struct {
	Verified bool
	Reason   string
}

// WebhookEvent keeps the gateway's own event vocabulary in Type.
type WebhookEvent struct {
	Provider     ProviderType
	ID           string
	Type         string
	ResourceType string
	Subscription *Subscription
	Capture      *Capture
	OccurredAt   time.Time
	Payload      []byte
}
