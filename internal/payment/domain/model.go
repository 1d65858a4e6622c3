package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventRecord journals a verified webhook delivery.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

type PurchaseType string

const (
	PurchaseSubscription PurchaseType = "SUBSCRIPTION"
	PurchaseOneTime      PurchaseType = "ONE_TIME"
)

type CheckoutStatus string

const (
	CheckoutOpen      CheckoutStatus = "OPEN"
	CheckoutCompleted CheckoutStatus = "COMPLETED"
)

// CheckoutSession ties a gateway redirect back to the server-side purchase
// it was created for. ID is an opaque ULID carried in the success URL.
type CheckoutSession struct {
	ID             string         `json:"id" gorm:"primaryKey;type:text"`
	UserID         string         `json:"user_id" gorm:"type:text;not null;index"`
	Provider       string         `json:"provider" gorm:"type:text;not null"`
	PurchaseType   PurchaseType   `json:"purchase_type" gorm:"type:text;not null"`
	Items          datatypes.JSON `json:"items" gorm:"type:jsonb;not null"`
	Currency       string         `json:"currency" gorm:"type:text;not null"`
	Amount         int64          `json:"amount" gorm:"not null"`
	OrderID        *string        `json:"order_id,omitempty" gorm:"type:text"`
	SubscriptionID *string        `json:"subscription_id,omitempty" gorm:"type:text"`
	Existing       bool           `json:"existing_subscription" gorm:"column:existing_subscription;not null"`
	Status         CheckoutStatus `json:"status" gorm:"type:text;not null"`
	CreatedAt      time.Time      `json:"created_at" gorm:"not null"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

func (CheckoutSession) TableName() string { return "checkout_sessions" }

type Repository interface {
	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error

	InsertCheckoutSession(ctx context.Context, db *gorm.DB, session *CheckoutSession) error
	FindCheckoutSession(ctx context.Context, db *gorm.DB, id string) (*CheckoutSession, error)
	// CompleteCheckoutSession reports false when the session was already completed.
	CompleteCheckoutSession(ctx context.Context, db *gorm.DB, id string, completedAt time.Time) (bool, error)
}

type CheckoutItem struct {
	PriceID  string `json:"price_id"`
	Quantity int64  `json:"quantity"`
}

type GenerateCheckoutRequest struct {
	UserID       string
	Email        string
	Currency     string
	Region       string
	Provider     string
	PurchaseType PurchaseType
	Items        []CheckoutItem
}

// CheckoutResult carries the approval links. A subscription checkout with
// bundles has a second link for the bundle order.
type CheckoutResult struct {
	SessionID        string       `json:"session_id"`
	Provider         ProviderType `json:"provider"`
	RedirectURL      string       `json:"redirect_url,omitempty"`
	OrderRedirectURL string       `json:"order_redirect_url,omitempty"`
	OrderID          string       `json:"order_id,omitempty"`
	SubscriptionID   string       `json:"subscription_id,omitempty"`
	Existing         bool         `json:"existing_subscription"`
}

type SuccessResult struct {
	SessionID        string `json:"session_id"`
	SubscriptionID   string `json:"subscription_id,omitempty"`
	BundlesCreated   int    `json:"bundles_created"`
	PagesGranted     int64  `json:"pages_granted"`
	AlreadyCompleted bool   `json:"already_completed"`
}

type Service interface {
	GenerateCheckout(ctx context.Context, req GenerateCheckoutRequest) (CheckoutResult, error)
	SuccessCallback(ctx context.Context, userID, sessionID string) (SuccessResult, error)
	IngestWebhook(ctx context.Context, provider string, headers http.Header, payload []byte) error
	CancelSubscription(ctx context.Context, userID, reason string) error
}
