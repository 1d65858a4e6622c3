// Package domain contains the subscription, bundle and gateway-customer records
// kept in sync with the payment gateways.
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrInvalidBundle        = errors.New("invalid_bundle")
)

// activeStatuses are lower-cased gateway statuses that still fund credits.
var activeStatuses = []string{"active", "authenticated"}

// ActiveStatuses returns the statuses treated as active.
func ActiveStatuses() []string {
	out := make([]string, len(activeStatuses))
	copy(out, activeStatuses)
	return out
}

// IsActiveStatus reports whether a gateway status string is active.
func IsActiveStatus(status string) bool {
	status = strings.ToLower(strings.TrimSpace(status))
	for _, s := range activeStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Subscription mirrors a recurring plan at a gateway. SubscriptionID is the
// gateway's id and stays nil until the gateway confirms it.
type Subscription struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID         string       `gorm:"type:text;not null;index" json:"user_id"`
	Provider       string       `gorm:"type:text;not null" json:"provider"`
	Currency       string       `gorm:"type:text;not null" json:"currency"`
	StartDate      time.Time    `gorm:"not null" json:"start_date"`
	EndDate        *time.Time   `json:"end_date,omitempty"`
	SubscriptionID *string      `gorm:"type:text;uniqueIndex:ux_subscriptions_subscription_id" json:"subscription_id,omitempty"`
	ItemPriceID    string       `gorm:"type:text;not null" json:"item_price_id"`
	Status         string       `gorm:"type:text;not null" json:"status"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

func (s Subscription) Active() bool {
	return IsActiveStatus(s.Status)
}

// ExternalID returns the gateway id or an empty string.
func (s Subscription) ExternalID() string {
	if s.SubscriptionID == nil {
		return ""
	}
	return *s.SubscriptionID
}

// Bundle is a one-time page purchase. ValidUntil nil means lifetime.
type Bundle struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID            string       `gorm:"type:text;not null;index" json:"user_id"`
	BundleType        string       `gorm:"type:text;not null" json:"bundle_type"`
	Pages             int64        `gorm:"not null" json:"pages"`
	Price             int64        `gorm:"not null" json:"price"`
	Currency          string       `gorm:"type:text;not null" json:"currency"`
	PurchasedAt       time.Time    `gorm:"not null" json:"purchased_at"`
	ValidUntil        *time.Time   `json:"valid_until,omitempty"`
	InvoiceID         string       `gorm:"type:text;not null" json:"invoice_id"`
	InvoiceLineItemID string       `gorm:"type:text;not null;uniqueIndex:ux_bundles_invoice_line_item_id" json:"invoice_line_item_id"`
}

func (Bundle) TableName() string { return "bundles" }

// UserGatewayID maps an internal user to the gateway's customer or payer id.
type UserGatewayID struct {
	UserID        string    `gorm:"type:text;not null;index" json:"user_id"`
	Provider      string    `gorm:"type:text;not null;uniqueIndex:ux_user_gateway_ids_provider_gateway_user" json:"provider"`
	GatewayUserID string    `gorm:"type:text;not null;uniqueIndex:ux_user_gateway_ids_provider_gateway_user" json:"gateway_user_id"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
}

func (UserGatewayID) TableName() string { return "user_gateway_ids" }
