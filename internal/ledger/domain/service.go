package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Grant asks for a positive (or, for plan changes, negative) credit movement.
// IdempotencyKey identifies the external fact that justifies the grant.
type Grant struct {
	UserID         string
	Pages          int64
	Reason         Reason
	SourceType     SourceType
	ReferenceID    *string
	ExpiresAt      *time.Time
	IdempotencyKey string
}

type GrantResult struct {
	Inserted int64
	Skipped  int64
	Pages    int64
}

// ChargeJobRequest names the job to pay for. Pages is optional and, when set,
// must equal the job's page count.
type ChargeJobRequest struct {
	UserID string
	JobID  string
	Pages  int64
}

type ChargeJobResult struct {
	JobID          string        `json:"job_id"`
	PagesRequested int64         `json:"pages_requested"`
	PagesDeducted  int64         `json:"pages_deducted"`
	Shortfall      int64         `json:"shortfall"`
	AlreadyCharged bool          `json:"already_charged"`
	Entries        []LedgerEntry `json:"entries,omitempty"`
}

type Balance struct {
	UserID string      `json:"user_id"`
	Total  int64       `json:"total"`
	Lots   []CreditLot `json:"lots"`
}

type Service interface {
	// Grant persists grants on tx, or on the service's own connection when tx is nil.
	Grant(ctx context.Context, tx *gorm.DB, grants []Grant) (GrantResult, error)
	// Granted reports whether an entry with the idempotency key exists.
	Granted(ctx context.Context, tx *gorm.DB, idempotencyKey string) (bool, error)
	ChargeJob(ctx context.Context, req ChargeJobRequest) (ChargeJobResult, error)
	Balance(ctx context.Context, userID string) (Balance, error)
}
