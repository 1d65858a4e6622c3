package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert reports false when a row with the same external subscription id exists.
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Subscription, error)
	FindActiveByUser(ctx context.Context, db *gorm.DB, userID string) (*Subscription, error)
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, updatedAt time.Time) error

	// InsertBundle reports false when the invoice line item was already recorded.
	InsertBundle(ctx context.Context, db *gorm.DB, bundle *Bundle) (bool, error)
	ListBundles(ctx context.Context, db *gorm.DB, userID string) ([]Bundle, error)

	FindGatewayUser(ctx context.Context, db *gorm.DB, provider, gatewayUserID string) (*UserGatewayID, error)
	FindGatewayUserByUser(ctx context.Context, db *gorm.DB, userID, provider string) (*UserGatewayID, error)
	InsertGatewayUser(ctx context.Context, db *gorm.DB, mapping *UserGatewayID) (bool, error)
}
