package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/pagebill/internal/events"
	ledgerdomain "github.com/smallbiznis/pagebill/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/pagebill/internal/payment/domain"
	"github.com/smallbiznis/pagebill/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/pagebill/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errSessionCompleted = errors.New("session_completed")

// SuccessCallback settles a checkout after the buyer returns from the
// gateway. The gateway is asked for the outcome; nothing in the redirect is
// trusted beyond the session id. Rows and grants are written in one
// transaction, and repeating the callback is a no-op.
func (s *Service) SuccessCallback(ctx context.Context, userID, sessionID string) (paymentdomain.SuccessResult, error) {
	userID = strings.TrimSpace(userID)
	sessionID = strings.TrimSpace(sessionID)
	if userID == "" {
		return paymentdomain.SuccessResult{}, paymentdomain.ErrInvalidUser
	}
	if sessionID == "" {
		return paymentdomain.SuccessResult{}, paymentdomain.ErrCheckoutNotFound
	}

	session, err := s.repo.FindCheckoutSession(ctx, s.db, sessionID)
	if err != nil {
		return paymentdomain.SuccessResult{}, err
	}
	if session == nil || session.UserID != userID {
		return paymentdomain.SuccessResult{}, paymentdomain.ErrCheckoutNotFound
	}
	result := paymentdomain.SuccessResult{SessionID: session.ID, SubscriptionID: deref(session.SubscriptionID)}
	if session.Status == paymentdomain.CheckoutCompleted {
		result.AlreadyCompleted = true
		return result, nil
	}

	providerType, err := paymentdomain.ParseProviderType(session.Provider)
	if err != nil {
		return paymentdomain.SuccessResult{}, err
	}
	provider, err := s.selector.Get(providerType)
	if err != nil {
		return paymentdomain.SuccessResult{}, err
	}

	var settle func(tx *gorm.DB) error
	switch session.PurchaseType {
	case paymentdomain.PurchaseSubscription:
		gatewaySub, err := provider.GetSubscription(ctx, deref(session.SubscriptionID))
		if err != nil {
			return paymentdomain.SuccessResult{}, err
		}
		if !gatewaySub.Active() {
			return paymentdomain.SuccessResult{}, paymentdomain.ErrSubscriptionPending
		}
		gatewaySub.UserID = session.UserID

		var capture *paymentdomain.Capture
		if session.OrderID != nil {
			if capture, err = s.captureOrder(ctx, provider, session); err != nil {
				return paymentdomain.SuccessResult{}, err
			}
		}
		settle = func(tx *gorm.DB) error {
			if err := s.settleSubscription(ctx, tx, providerType, session, gatewaySub, &result); err != nil {
				return err
			}
			if capture == nil {
				return nil
			}
			return s.settleBundles(ctx, tx, providerType, session, capture, &result)
		}
	case paymentdomain.PurchaseOneTime:
		capture, err := s.captureOrder(ctx, provider, session)
		if err != nil {
			return paymentdomain.SuccessResult{}, err
		}
		settle = func(tx *gorm.DB) error {
			return s.settleBundles(ctx, tx, providerType, session, capture, &result)
		}
	default:
		return paymentdomain.SuccessResult{}, paymentdomain.ErrInvalidPurchaseType
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		completed, err := s.repo.CompleteCheckoutSession(ctx, tx, session.ID, s.clock.Now())
		if err != nil {
			return err
		}
		if !completed {
			return errSessionCompleted
		}
		return settle(tx)
	})
	if errors.Is(err, errSessionCompleted) {
		return paymentdomain.SuccessResult{SessionID: session.ID, SubscriptionID: result.SubscriptionID, AlreadyCompleted: true}, nil
	}
	if err != nil {
		return paymentdomain.SuccessResult{}, err
	}

	s.log.Info("checkout completed",
		zap.String("session_id", session.ID),
		zap.String("purchase_type", string(session.PurchaseType)),
		zap.Int("bundles_created", result.BundlesCreated),
		zap.Int64("pages_granted", result.PagesGranted),
	)
	if result.PagesGranted != 0 {
		if err := s.publisher.Publish(ctx, events.TopicCreditsGranted, userID, map[string]any{
			"session_id": session.ID,
			"pages":      result.PagesGranted,
		}); err != nil {
			s.log.Warn("publish credits granted failed", zap.Error(err))
		}
	}
	return result, nil
}

// captureOrder captures the session's order and checks it against the amount
// and currency recorded when the checkout was opened.
func (s *Service) captureOrder(ctx context.Context, provider paymentdomain.Provider, session *paymentdomain.CheckoutSession) (*paymentdomain.Capture, error) {
	capture, err := provider.CaptureOrder(ctx, deref(session.OrderID))
	if err != nil {
		return nil, err
	}
	if capture.Status != paymentdomain.CaptureCompleted {
		return nil, paymentdomain.ErrCaptureNotCompleted
	}
	if capture.Amount != session.Amount || !strings.EqualFold(capture.Currency, session.Currency) {
		s.log.Error("capture does not match checkout session",
			zap.String("session_id", session.ID),
			zap.Int64("expected_amount", session.Amount),
			zap.Int64("captured_amount", capture.Amount),
			zap.String("expected_currency", session.Currency),
			zap.String("captured_currency", capture.Currency),
		)
		return nil, paymentdomain.ErrCaptureMismatch
	}
	return capture, nil
}

func (s *Service) settleSubscription(
	ctx context.Context,
	tx *gorm.DB,
	providerType paymentdomain.ProviderType,
	session *paymentdomain.CheckoutSession,
	gatewaySub *paymentdomain.Subscription,
	result *paymentdomain.SuccessResult,
) error {
	if err := s.processor.EnsureCustomer(ctx, tx, providerType, gatewaySub); err != nil {
		return err
	}

	if session.Existing {
		outcome, err := s.processor.ApplyChange(ctx, tx, gatewaySub, session.ID)
		if err != nil {
			return err
		}
		if outcome.Skipped {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		result.PagesGranted += outcome.PagesGranted
		return nil
	}

	outcome, err := s.processor.ApplySubscription(ctx, tx, providerType, gatewaySub, session.UserID)
	if err != nil {
		return err
	}
	result.PagesGranted += outcome.PagesGranted
	return nil
}

// settleBundles records one bundle per bundle line of the session and grants
// its pages. Plan lines are settled by settleSubscription.
func (s *Service) settleBundles(
	ctx context.Context,
	tx *gorm.DB,
	providerType paymentdomain.ProviderType,
	session *paymentdomain.CheckoutSession,
	capture *paymentdomain.Capture,
	result *paymentdomain.SuccessResult,
) error {
	if err := s.processor.MapCustomer(ctx, tx, providerType, session.UserID, capture.PayerID); err != nil {
		return err
	}

	var items []paymentdomain.CheckoutItem
	if err := json.Unmarshal(session.Items, &items); err != nil {
		return fmt.Errorf("decode checkout items: %w", err)
	}

	purchasedAt := capture.CapturedAt
	if purchasedAt.IsZero() {
		purchasedAt = s.clock.Now()
	}
	invoiceID := capture.CaptureID
	if invoiceID == "" {
		invoiceID = deref(session.OrderID)
	}

	grants := make([]ledgerdomain.Grant, 0, len(items))
	for i, item := range items {
		price := s.pricing.Lookup(item.PriceID)
		if price.IsZero() {
			return paymentdomain.ErrUnknownPrice
		}
		if price.Kind != pricing.KindBundle {
			continue
		}
		lineItemID := fmt.Sprintf("%s:%d", invoiceID, i)
		bundle := &subscriptiondomain.Bundle{
			ID:                s.genID.Generate(),
			UserID:            session.UserID,
			BundleType:        price.BundleType,
			Pages:             price.Pages * item.Quantity,
			Price:             price.Amount * item.Quantity,
			Currency:          session.Currency,
			PurchasedAt:       purchasedAt,
			ValidUntil:        validUntil(purchasedAt, price.ValidDays),
			InvoiceID:         invoiceID,
			InvoiceLineItemID: lineItemID,
		}
		inserted, err := s.subRepo.InsertBundle(ctx, tx, bundle)
		if err != nil {
			return err
		}
		if !inserted {
			continue
		}
		result.BundlesCreated++
		grants = append(grants, ledgerdomain.Grant{
			UserID:         session.UserID,
			Pages:          bundle.Pages,
			Reason:         ledgerdomain.ReasonPurchase,
			SourceType:     ledgerdomain.SourceTypeBundle,
			ReferenceID:    ledgerdomain.StringPtr(bundle.ID.String()),
			ExpiresAt:      bundle.ValidUntil,
			IdempotencyKey: lineItemID,
		})
	}

	res, err := s.ledgerSvc.Grant(ctx, tx, grants)
	if err != nil {
		return err
	}
	result.PagesGranted += res.Pages
	return nil
}

func validUntil(purchasedAt time.Time, validDays int) *time.Time {
	if validDays <= 0 {
		return nil
	}
	t := purchasedAt.UTC().AddDate(0, 0, validDays)
	return &t
}
