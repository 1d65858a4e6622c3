package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pagebill/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, payload, received_at, processed_at
		 FROM payment_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			id, provider, provider_event_id, event_type, payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		event.Payload,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET processed_at = ?
		 WHERE id = ?`,
		processedAt,
		id,
	).Error
}

func (r *repo) InsertCheckoutSession(ctx context.Context, db *gorm.DB, session *domain.CheckoutSession) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO checkout_sessions (
			id, user_id, provider, purchase_type, items, currency, amount,
			order_id, subscription_id, existing_subscription, status, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID,
		session.UserID,
		session.Provider,
		session.PurchaseType,
		session.Items,
		session.Currency,
		session.Amount,
		session.OrderID,
		session.SubscriptionID,
		session.Existing,
		session.Status,
		session.CreatedAt,
		session.CompletedAt,
	).Error
}

func (r *repo) FindCheckoutSession(ctx context.Context, db *gorm.DB, id string) (*domain.CheckoutSession, error) {
	var item domain.CheckoutSession
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, provider, purchase_type, items, currency, amount,
			order_id, subscription_id, existing_subscription, status, created_at, completed_at
		 FROM checkout_sessions
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) CompleteCheckoutSession(ctx context.Context, db *gorm.DB, id string, completedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE checkout_sessions
		 SET status = ?, completed_at = ?
		 WHERE id = ? AND status <> ?`,
		domain.CheckoutCompleted,
		completedAt,
		id,
		domain.CheckoutCompleted,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
