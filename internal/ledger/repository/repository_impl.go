package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/pagebill/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Append(ctx context.Context, db *gorm.DB, entries []domain.LedgerEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entries)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) RemainingLots(ctx context.Context, db *gorm.DB, userID string, now time.Time) ([]domain.CreditLot, error) {
	var entries []domain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, change, reason, source_type, reference_id, job_id,
			idempotency_key, created_at, expires_at
		 FROM ledger_entries
		 WHERE user_id = ? AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at ASC, id ASC`,
		userID,
		now.UTC(),
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return domain.SortLots(domain.AggregateLots(entries, now)), nil
}

func (r *repo) FindByReference(ctx context.Context, db *gorm.DB, reference string) (*domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, change, reason, source_type, reference_id, job_id,
			idempotency_key, created_at, expires_at
		 FROM ledger_entries
		 WHERE idempotency_key = ?
		 LIMIT 1`,
		reference,
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) CountDeductionsForJob(ctx context.Context, db *gorm.DB, jobID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM ledger_entries
		 WHERE job_id = ? AND reason = ?`,
		jobID,
		domain.ReasonDownload,
	).Scan(&count).Error
	return count, err
}

func (r *repo) ClaimJobCharge(ctx context.Context, db *gorm.DB, charge *domain.JobCharge) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "job_id"}}, DoNothing: true}).
		Create(charge)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindJobCharge(ctx context.Context, db *gorm.DB, jobID string) (*domain.JobCharge, error) {
	var charge domain.JobCharge
	err := db.WithContext(ctx).Raw(
		`SELECT job_id, user_id, pages_requested, pages_deducted, shortfall, created_at
		 FROM job_charges
		 WHERE job_id = ?
		 LIMIT 1`,
		jobID,
	).Scan(&charge).Error
	if err != nil {
		return nil, err
	}
	if charge.JobID == "" {
		return nil, nil
	}
	return &charge, nil
}

func (r *repo) UpdateJobCharge(ctx context.Context, db *gorm.DB, charge *domain.JobCharge) error {
	return db.WithContext(ctx).Exec(
		`UPDATE job_charges
		 SET pages_deducted = ?, shortfall = ?
		 WHERE job_id = ?`,
		charge.PagesDeducted,
		charge.Shortfall,
		charge.JobID,
	).Error
}
