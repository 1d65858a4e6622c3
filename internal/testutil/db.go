// Package testutil opens throwaway sqlite databases carrying the full schema.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE ledger_entries (
		id BIGINT PRIMARY KEY,
		user_id TEXT NOT NULL,
		change BIGINT NOT NULL,
		reason TEXT NOT NULL,
		source_type TEXT NOT NULL,
		reference_id TEXT,
		job_id TEXT,
		idempotency_key TEXT,
		created_at DATETIME NOT NULL,
		expires_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_ledger_entries_idempotency_key ON ledger_entries(idempotency_key)`,
	`CREATE TABLE job_charges (
		job_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		pages_requested BIGINT NOT NULL,
		pages_deducted BIGINT NOT NULL,
		shortfall BIGINT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		source_key TEXT,
		result_s3_path TEXT,
		num_pages BIGINT NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE subscriptions (
		id BIGINT PRIMARY KEY,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		currency TEXT NOT NULL,
		start_date DATETIME NOT NULL,
		end_date DATETIME,
		subscription_id TEXT,
		item_price_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_subscriptions_subscription_id ON subscriptions(subscription_id)`,
	`CREATE TABLE bundles (
		id BIGINT PRIMARY KEY,
		user_id TEXT NOT NULL,
		bundle_type TEXT NOT NULL,
		pages BIGINT NOT NULL,
		price BIGINT NOT NULL,
		currency TEXT NOT NULL,
		purchased_at DATETIME NOT NULL,
		valid_until DATETIME,
		invoice_id TEXT NOT NULL,
		invoice_line_item_id TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_bundles_invoice_line_item_id ON bundles(invoice_line_item_id)`,
	`CREATE TABLE user_gateway_ids (
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		gateway_user_id TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_user_gateway_ids_provider_gateway_user ON user_gateway_ids(provider, gateway_user_id)`,
	`CREATE TABLE payment_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		processed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_payment_events_provider_event ON payment_events(provider, provider_event_id)`,
	`CREATE TABLE checkout_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		purchase_type TEXT NOT NULL,
		items TEXT NOT NULL,
		currency TEXT NOT NULL,
		amount BIGINT NOT NULL,
		order_id TEXT,
		subscription_id TEXT,
		existing_subscription BOOLEAN NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	)`,
}

// OpenDB returns an isolated in-memory database with every table created.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Count runs a COUNT query and returns its result.
func Count(t testing.TB, db *gorm.DB, query string, args ...any) int64 {
	t.Helper()

	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return count
}
