package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	// Append inserts entries in one statement. Entries whose idempotency key
	// already exists are skipped; the count of rows actually written is returned.
	Append(ctx context.Context, db *gorm.DB, entries []LedgerEntry) (int64, error)
	RemainingLots(ctx context.Context, db *gorm.DB, userID string, now time.Time) ([]CreditLot, error)
	FindByReference(ctx context.Context, db *gorm.DB, reference string) (*LedgerEntry, error)
	CountDeductionsForJob(ctx context.Context, db *gorm.DB, jobID string) (int64, error)

	ClaimJobCharge(ctx context.Context, db *gorm.DB, charge *JobCharge) (bool, error)
	FindJobCharge(ctx context.Context, db *gorm.DB, jobID string) (*JobCharge, error)
	UpdateJobCharge(ctx context.Context, db *gorm.DB, charge *JobCharge) error
}
