package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Reason explains why a ledger entry exists.
type Reason string

const (
	ReasonPurchase    Reason = "PURCHASE"
	ReasonUpgrade     Reason = "UPGRADE"
	ReasonMonthlyFree Reason = "MONTHLY_FREE"
	ReasonDownload    Reason = "DOWNLOAD"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonPurchase, ReasonUpgrade, ReasonMonthlyFree, ReasonDownload:
		return true
	}
	return false
}

// SourceType names the kind of record a lot is funded by.
type SourceType string

const (
	SourceTypeSubscription SourceType = "SUBSCRIPTION"
	SourceTypeBundle       SourceType = "BUNDLE"
	SourceTypeFreeMonthly  SourceType = "FREE_MONTHLY"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceTypeSubscription, SourceTypeBundle, SourceTypeFreeMonthly:
		return true
	}
	return false
}

// LedgerEntry is an immutable signed page movement. Grants are positive,
// deductions negative. Entries are never updated or deleted.
type LedgerEntry struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID         string       `gorm:"type:text;not null;index" json:"user_id"`
	Change         int64        `gorm:"not null" json:"change"`
	Reason         Reason       `gorm:"type:text;not null" json:"reason"`
	SourceType     SourceType   `gorm:"type:text;not null" json:"source_type"`
	ReferenceID    *string      `gorm:"type:text" json:"reference_id,omitempty"`
	JobID          *string      `gorm:"type:text;index" json:"job_id,omitempty"`
	IdempotencyKey *string      `gorm:"type:text;uniqueIndex:ux_ledger_entries_idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
	ExpiresAt      *time.Time   `json:"expires_at,omitempty"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// CreditLot is the derived balance of one funding source. ExpiresAt is the
// earliest expiry among its non-expired entries; nil never expires.
type CreditLot struct {
	ReferenceID *string    `json:"reference_id,omitempty"`
	SourceType  SourceType `json:"source_type"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Balance     int64      `json:"balance"`
}

// JobCharge marks a job as charged. The primary key on job_id makes the
// first charge win under concurrent download requests.
type JobCharge struct {
	JobID          string    `gorm:"primaryKey;type:text" json:"job_id"`
	UserID         string    `gorm:"type:text;not null;index" json:"user_id"`
	PagesRequested int64     `gorm:"not null" json:"pages_requested"`
	PagesDeducted  int64     `gorm:"not null" json:"pages_deducted"`
	Shortfall      int64     `gorm:"not null" json:"shortfall"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
}

func (JobCharge) TableName() string { return "job_charges" }

// StringPtr returns nil for empty strings.
func StringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
