package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/pagebill/internal/payment/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	stmts := []string{
		`CREATE TABLE payment_events (
			id INTEGER PRIMARY KEY,
			provider TEXT NOT NULL,
			provider_event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_at DATETIME NOT NULL,
			processed_at DATETIME,
			UNIQUE (provider, provider_event_id)
		)`,
		`CREATE TABLE checkout_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			purchase_type TEXT NOT NULL,
			items TEXT NOT NULL,
			currency TEXT NOT NULL,
			amount INTEGER NOT NULL,
			order_id TEXT,
			subscription_id TEXT,
			existing_subscription BOOLEAN NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			completed_at DATETIME
		)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func TestEventJournalDeduplicates(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := Provide()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	event := &domain.EventRecord{
		ID:              1,
		Provider:        "paypal",
		ProviderEventID: "WH-1",
		EventType:       "BILLING.SUBSCRIPTION.ACTIVATED",
		Payload:         datatypes.JSON(`{"id":"WH-1"}`),
		ReceivedAt:      now,
	}
	inserted, err := repo.InsertEvent(ctx, db, event)
	require.NoError(t, err)
	require.True(t, inserted)

	dup := *event
	dup.ID = 2
	inserted, err = repo.InsertEvent(ctx, db, &dup)
	require.NoError(t, err)
	require.False(t, inserted)

	found, err := repo.FindEvent(ctx, db, "paypal", "WH-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Nil(t, found.ProcessedAt)

	require.NoError(t, repo.MarkProcessed(ctx, db, found.ID, now.Add(time.Second)))
	found, err = repo.FindEvent(ctx, db, "paypal", "WH-1")
	require.NoError(t, err)
	require.NotNil(t, found.ProcessedAt)

	missing, err := repo.FindEvent(ctx, db, "razorpay", "WH-1")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestCheckoutSessionCompletesOnce(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := Provide()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	orderID := "ORDER-1"

	require.NoError(t, repo.InsertCheckoutSession(ctx, db, &domain.CheckoutSession{
		ID:           "01HZZZZZZZZZZZZZZZZZZZZZZZ",
		UserID:       "user-1",
		Provider:     "paypal",
		PurchaseType: domain.PurchaseOneTime,
		Items:        datatypes.JSON(`[{"price_id":"bundle_small","quantity":1}]`),
		Currency:     "USD",
		Amount:       999,
		OrderID:      &orderID,
		Status:       domain.CheckoutOpen,
		CreatedAt:    now,
	}))

	session, err := repo.FindCheckoutSession(ctx, db, "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	require.NoError(t, err)
	require.NotNil(t, session)
	require.Equal(t, domain.CheckoutOpen, session.Status)
	require.Equal(t, "ORDER-1", *session.OrderID)
	require.Nil(t, session.SubscriptionID)

	completed, err := repo.CompleteCheckoutSession(ctx, db, session.ID, now)
	require.NoError(t, err)
	require.True(t, completed)
	completed, err = repo.CompleteCheckoutSession(ctx, db, session.ID, now)
	require.NoError(t, err)
	require.False(t, completed)

	missing, err := repo.FindCheckoutSession(ctx, db, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}
