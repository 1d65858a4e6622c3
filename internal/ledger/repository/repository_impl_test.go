package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pagebill/internal/ledger/domain"
	"github.com/smallbiznis/pagebill/internal/ledger/repository"
	"github.com/smallbiznis/pagebill/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestAppendSkipsTakenKeysAndCountsDeductions(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	repo := repository.Provide()
	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	expires := now.AddDate(0, 1, 0)

	grant := domain.LedgerEntry{
		ID:             node.Generate(),
		UserID:         "user-1",
		Change:         100,
		Reason:         domain.ReasonPurchase,
		SourceType:     domain.SourceTypeBundle,
		ReferenceID:    domain.StringPtr("bundle-1"),
		IdempotencyKey: domain.StringPtr("cap_1:0"),
		CreatedAt:      now,
		ExpiresAt:      &expires,
	}
	inserted, err := repo.Append(ctx, db, []domain.LedgerEntry{grant})
	require.NoError(t, err)
	require.Equal(t, int64(1), inserted)

	dup := grant
	dup.ID = node.Generate()
	inserted, err = repo.Append(ctx, db, []domain.LedgerEntry{dup})
	require.NoError(t, err)
	require.Equal(t, int64(0), inserted)

	stored, err := repo.FindByReference(ctx, db, "cap_1:0")
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, grant.ID, stored.ID)

	missing, err := repo.FindByReference(ctx, db, "cap_2:0")
	require.NoError(t, err)
	require.Nil(t, missing)

	count, err := repo.CountDeductionsForJob(ctx, db, "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	deductions := make([]domain.LedgerEntry, 0, 2)
	for i, change := range []int64{-30, -20} {
		deductions = append(deductions, domain.LedgerEntry{
			ID:             node.Generate(),
			UserID:         "user-1",
			Change:         change,
			Reason:         domain.ReasonDownload,
			SourceType:     domain.SourceTypeBundle,
			ReferenceID:    domain.StringPtr("bundle-1"),
			JobID:          domain.StringPtr("job-1"),
			IdempotencyKey: domain.StringPtr(fmt.Sprintf("job-1:download:%d", i)),
			CreatedAt:      now,
			ExpiresAt:      &expires,
		})
	}
	inserted, err = repo.Append(ctx, db, deductions)
	require.NoError(t, err)
	require.Equal(t, int64(2), inserted)

	count, err = repo.CountDeductionsForJob(ctx, db, "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	count, err = repo.CountDeductionsForJob(ctx, db, "job-2")
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	lots, err := repo.RemainingLots(ctx, db, "user-1", now)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	require.Equal(t, int64(50), lots[0].Balance)
}

func TestJobChargeClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	repo := repository.Provide()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	charge := &domain.JobCharge{JobID: "job-1", UserID: "user-1", PagesRequested: 12, CreatedAt: now}
	claimed, err := repo.ClaimJobCharge(ctx, db, charge)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = repo.ClaimJobCharge(ctx, db, &domain.JobCharge{JobID: "job-1", UserID: "user-1", PagesRequested: 12, CreatedAt: now})
	require.NoError(t, err)
	require.False(t, claimed)

	charge.PagesDeducted = 10
	charge.Shortfall = 2
	require.NoError(t, repo.UpdateJobCharge(ctx, db, charge))

	stored, err := repo.FindJobCharge(ctx, db, "job-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, int64(10), stored.PagesDeducted)
	require.Equal(t, int64(2), stored.Shortfall)

	missing, err := repo.FindJobCharge(ctx, db, "job-2")
	require.NoError(t, err)
	require.Nil(t, missing)
}
