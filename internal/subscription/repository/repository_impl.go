package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/pagebill/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

const subscriptionColumns = `id, user_id, provider, currency, start_date, end_date, subscription_id,
	item_price_id, status, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id) DO NOTHING`,
		subscription.ID,
		subscription.UserID,
		subscription.Provider,
		subscription.Currency,
		subscription.StartDate,
		subscription.EndDate,
		subscription.SubscriptionID,
		subscription.ItemPriceID,
		subscription.Status,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `WHERE id = ?`, id)
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `WHERE subscription_id = ?`, externalID)
}

func (r *repo) FindActiveByUser(ctx context.Context, db *gorm.DB, userID string) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db,
		`WHERE user_id = ? AND LOWER(status) IN ? ORDER BY updated_at DESC, id DESC`,
		userID,
		subscriptiondomain.ActiveStatuses(),
	)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, args ...any) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions `+where+` LIMIT 1`,
		args...,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		SET currency = ?, start_date = ?, end_date = ?, item_price_id = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		subscription.Currency,
		subscription.StartDate,
		subscription.EndDate,
		subscription.ItemPriceID,
		subscription.Status,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ?`,
		status,
		updatedAt,
		id,
	).Error
}

func (r *repo) InsertBundle(ctx context.Context, db *gorm.DB, bundle *subscriptiondomain.Bundle) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO bundles (
			id, user_id, bundle_type, pages, price, currency, purchased_at, valid_until,
			invoice_id, invoice_line_item_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (invoice_line_item_id) DO NOTHING`,
		bundle.ID,
		bundle.UserID,
		bundle.BundleType,
		bundle.Pages,
		bundle.Price,
		bundle.Currency,
		bundle.PurchasedAt,
		bundle.ValidUntil,
		bundle.InvoiceID,
		bundle.InvoiceLineItemID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListBundles(ctx context.Context, db *gorm.DB, userID string) ([]subscriptiondomain.Bundle, error) {
	var bundles []subscriptiondomain.Bundle
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, bundle_type, pages, price, currency, purchased_at, valid_until,
			invoice_id, invoice_line_item_id
		FROM bundles
		WHERE user_id = ?
		ORDER BY purchased_at ASC, id ASC`,
		userID,
	).Scan(&bundles).Error
	return bundles, err
}

func (r *repo) FindGatewayUser(ctx context.Context, db *gorm.DB, provider, gatewayUserID string) (*subscriptiondomain.UserGatewayID, error) {
	return r.findGatewayUser(ctx, db, `WHERE provider = ? AND gateway_user_id = ?`, provider, gatewayUserID)
}

func (r *repo) FindGatewayUserByUser(ctx context.Context, db *gorm.DB, userID, provider string) (*subscriptiondomain.UserGatewayID, error) {
	return r.findGatewayUser(ctx, db, `WHERE user_id = ? AND provider = ?`, userID, provider)
}

func (r *repo) findGatewayUser(ctx context.Context, db *gorm.DB, where string, args ...any) (*subscriptiondomain.UserGatewayID, error) {
	var mapping subscriptiondomain.UserGatewayID
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, provider, gateway_user_id, created_at FROM user_gateway_ids `+where+` LIMIT 1`,
		args...,
	).Scan(&mapping).Error
	if err != nil {
		return nil, err
	}
	if mapping.UserID == "" {
		return nil, nil
	}
	return &mapping, nil
}

func (r *repo) InsertGatewayUser(ctx context.Context, db *gorm.DB, mapping *subscriptiondomain.UserGatewayID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO user_gateway_ids (user_id, provider, gateway_user_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (provider, gateway_user_id) DO NOTHING`,
		mapping.UserID,
		mapping.Provider,
		mapping.GatewayUserID,
		mapping.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
