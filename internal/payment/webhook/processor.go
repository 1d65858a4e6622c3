package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pagebill/internal/clock"
	"github.com/smallbiznis/pagebill/internal/events"
	ledgerdomain "github.com/smallbiznis/pagebill/internal/ledger/domain"
	"github.com/smallbiznis/pagebill/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/pagebill/internal/payment/domain"
	"github.com/smallbiznis/pagebill/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/pagebill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Pricing   *pricing.Table
	SubRepo   subscriptiondomain.Repository
	LedgerSvc ledgerdomain.Service
	Selector  *adapters.Selector `optional:"true"`
	Publisher events.Publisher   `optional:"true"`
}

// Processor applies normalized gateway events to subscriptions, gateway
// customer mappings and the ledger. Every transition is safe to replay.
type Processor struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	pricing   *pricing.Table
	subRepo   subscriptiondomain.Repository
	ledgerSvc ledgerdomain.Service
	selector  *adapters.Selector
	publisher events.Publisher
}

func NewProcessor(p Params) *Processor {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NewNoopPublisher(p.Log)
	}
	return &Processor{
		db:        p.DB,
		log:       p.Log.Named("payment.webhook"),
		genID:     p.GenID,
		clock:     p.Clock,
		pricing:   p.Pricing,
		subRepo:   p.SubRepo,
		ledgerSvc: p.LedgerSvc,
		selector:  p.Selector,
		publisher: publisher,
	}
}

// Outcome describes what a transition did.
type Outcome struct {
	Action         Action
	SubscriptionID snowflake.ID
	UserID         string
	Status         string
	PagesGranted   int64
	Created        bool
	Skipped        bool
}

// Process applies one event. Events outside the action table return
// ErrEventIgnored.
func (p *Processor) Process(ctx context.Context, event *paymentdomain.WebhookEvent) (Outcome, error) {
	if event == nil {
		return Outcome{}, paymentdomain.ErrInvalidEvent
	}
	action, ok := Classify(event.Provider, event.Type)
	if !ok {
		return Outcome{}, paymentdomain.ErrEventIgnored
	}
	if event.Subscription == nil || strings.TrimSpace(event.Subscription.ID) == "" {
		return Outcome{}, paymentdomain.ErrInvalidEvent
	}

	gatewaySub := *event.Subscription
	if action == ActionSubscriptionRenewed && gatewaySub.CurrentEnd == nil {
		refreshed, err := p.lookupSubscription(ctx, event.Provider, gatewaySub.ID)
		if err != nil {
			return Outcome{}, err
		}
		if refreshed != nil {
			gatewaySub = mergeSubscription(gatewaySub, *refreshed)
		}
	}

	var outcome Outcome
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.ensureCustomer(ctx, tx, event.Provider, &gatewaySub); err != nil {
			return err
		}

		var err error
		switch action {
		case ActionSubscriptionCreated:
			outcome, err = p.ApplySubscription(ctx, tx, event.Provider, &gatewaySub, "")
		case ActionSubscriptionChanged:
			outcome, err = p.ApplyChange(ctx, tx, &gatewaySub, event.ID)
		case ActionSubscriptionRenewed:
			outcome, err = p.applyRenewal(ctx, tx, &gatewaySub)
		case ActionSubscriptionCancelled:
			outcome, err = p.applyCancel(ctx, tx, &gatewaySub)
		}
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	outcome.Action = action
	p.publish(ctx, outcome)
	return outcome, nil
}

// EnsureCustomer records the gateway customer id for the user named on the
// subscription. Known mappings and subscriptions without a user are skipped.
func (p *Processor) EnsureCustomer(ctx context.Context, tx *gorm.DB, provider paymentdomain.ProviderType, sub *paymentdomain.Subscription) error {
	return p.ensureCustomer(ctx, tx, provider, sub)
}

func (p *Processor) ensureCustomer(ctx context.Context, tx *gorm.DB, provider paymentdomain.ProviderType, sub *paymentdomain.Subscription) error {
	customerID := strings.TrimSpace(sub.CustomerID)
	if customerID == "" {
		return nil
	}
	existing, err := p.subRepo.FindGatewayUser(ctx, tx, string(provider), customerID)
	if err != nil {
		return err
	}
	if existing != nil {
		if sub.UserID == "" {
			sub.UserID = existing.UserID
		}
		return nil
	}

	userID := strings.TrimSpace(sub.UserID)
	if userID == "" {
		row, err := p.subRepo.FindByExternalID(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		if row == nil {
			p.log.Debug("customer without internal user, skipping mapping",
				zap.String("provider", string(provider)),
				zap.String("subscription_id", sub.ID),
			)
			return nil
		}
		userID = row.UserID
		sub.UserID = userID
	}

	return p.MapCustomer(ctx, tx, provider, userID, customerID)
}

// MapCustomer stores the user's customer id at the gateway. An existing
// mapping for the same customer is kept.
func (p *Processor) MapCustomer(ctx context.Context, tx *gorm.DB, provider paymentdomain.ProviderType, userID, customerID string) error {
	userID = strings.TrimSpace(userID)
	customerID = strings.TrimSpace(customerID)
	if userID == "" || customerID == "" {
		return nil
	}
	inserted, err := p.subRepo.InsertGatewayUser(ctx, tx, &subscriptiondomain.UserGatewayID{
		UserID:        userID,
		Provider:      string(provider),
		GatewayUserID: customerID,
		CreatedAt:     p.clock.Now(),
	})
	if err != nil {
		return err
	}
	if inserted {
		p.log.Info("gateway customer mapped",
			zap.String("provider", string(provider)),
			zap.String("user_id", userID),
		)
	}
	return nil
}

// ApplySubscription creates the local row for a gateway subscription when it
// does not exist yet and grants the plan's pages for the current term once the
// subscription is active. userID overrides the user echoed by the gateway.
func (p *Processor) ApplySubscription(ctx context.Context, tx *gorm.DB, provider paymentdomain.ProviderType, sub *paymentdomain.Subscription, userID string) (Outcome, error) {
	now := p.clock.Now()
	row, err := p.subRepo.FindByExternalID(ctx, tx, sub.ID)
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{Action: ActionSubscriptionCreated}
	if row == nil {
		if userID == "" {
			userID = strings.TrimSpace(sub.UserID)
		}
		if userID == "" {
			p.log.Warn("subscription without internal user, skipping",
				zap.String("provider", string(provider)),
				zap.String("subscription_id", sub.ID),
			)
			outcome.Skipped = true
			return outcome, nil
		}

		externalID := sub.ID
		start := now
		if sub.CurrentStart != nil {
			start = *sub.CurrentStart
		}
		row = &subscriptiondomain.Subscription{
			ID:             p.genID.Generate(),
			UserID:         userID,
			Provider:       string(provider),
			Currency:       p.currencyFor(sub),
			StartDate:      start,
			EndDate:        p.termEnd(sub, start),
			SubscriptionID: &externalID,
			ItemPriceID:    sub.PlanID,
			Status:         sub.Status,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		inserted, err := p.subRepo.Insert(ctx, tx, row)
		if err != nil {
			return Outcome{}, err
		}
		if !inserted {
			row, err = p.subRepo.FindByExternalID(ctx, tx, sub.ID)
			if err != nil {
				return Outcome{}, err
			}
			if row == nil {
				return Outcome{}, fmt.Errorf("subscription %s vanished after conflict: %w", sub.ID, subscriptiondomain.ErrSubscriptionNotFound)
			}
		} else {
			outcome.Created = true
		}
	} else if statusChanged(row, sub) {
		row.Status = sub.Status
		if end := sub.CurrentEnd; end != nil {
			row.EndDate = end
		}
		row.UpdatedAt = now
		if err := p.subRepo.Update(ctx, tx, row); err != nil {
			return Outcome{}, err
		}
	}

	outcome.SubscriptionID = row.ID
	outcome.UserID = row.UserID
	outcome.Status = row.Status
	if !subscriptiondomain.IsActiveStatus(sub.Status) {
		return outcome, nil
	}

	res, err := p.ledgerSvc.Grant(ctx, tx, []ledgerdomain.Grant{{
		UserID:         row.UserID,
		Pages:          p.pricing.Pages(row.ItemPriceID),
		Reason:         ledgerdomain.ReasonPurchase,
		SourceType:     ledgerdomain.SourceTypeSubscription,
		ReferenceID:    ledgerdomain.StringPtr(TermReference(row.ID, row.EndDate)),
		ExpiresAt:      row.EndDate,
		IdempotencyKey: sub.ID,
	}})
	if err != nil {
		return Outcome{}, err
	}
	if res.Inserted > 0 {
		outcome.PagesGranted = res.Pages
	}
	return outcome, nil
}

// ApplyChange moves the local row to the gateway's plan and grants the page
// difference between the plans. changeID scopes the delta's idempotency key.
func (p *Processor) ApplyChange(ctx context.Context, tx *gorm.DB, sub *paymentdomain.Subscription, changeID string) (Outcome, error) {
	row, err := p.subRepo.FindByExternalID(ctx, tx, sub.ID)
	if err != nil {
		return Outcome{}, err
	}
	if row == nil {
		p.log.Info("change for unknown subscription, ignoring", zap.String("subscription_id", sub.ID))
		return Outcome{Action: ActionSubscriptionChanged, Skipped: true}, nil
	}

	oldPlan := row.ItemPriceID
	newPlan := oldPlan
	if strings.TrimSpace(sub.PlanID) != "" {
		newPlan = sub.PlanID
	}

	row.ItemPriceID = newPlan
	if sub.Status != "" {
		row.Status = sub.Status
	}
	if sub.CurrentEnd != nil {
		row.EndDate = sub.CurrentEnd
	}
	if sub.Currency != "" {
		row.Currency = strings.ToUpper(sub.Currency)
	}
	row.UpdatedAt = p.clock.Now()
	if err := p.subRepo.Update(ctx, tx, row); err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{Action: ActionSubscriptionChanged, SubscriptionID: row.ID, UserID: row.UserID, Status: row.Status}
	delta := p.pricing.Pages(newPlan) - p.pricing.Pages(oldPlan)
	if delta == 0 {
		return outcome, nil
	}
	res, err := p.ledgerSvc.Grant(ctx, tx, []ledgerdomain.Grant{{
		UserID:         row.UserID,
		Pages:          delta,
		Reason:         ledgerdomain.ReasonUpgrade,
		SourceType:     ledgerdomain.SourceTypeSubscription,
		ReferenceID:    ledgerdomain.StringPtr(TermReference(row.ID, row.EndDate)),
		ExpiresAt:      row.EndDate,
		IdempotencyKey: ChangeKey(sub.ID, changeID),
	}})
	if err != nil {
		return Outcome{}, err
	}
	if res.Inserted > 0 {
		outcome.PagesGranted = res.Pages
	}
	p.log.Info("subscription plan changed",
		zap.String("subscription_id", sub.ID),
		zap.String("from", oldPlan),
		zap.String("to", newPlan),
		zap.Int64("delta", delta),
	)
	return outcome, nil
}

// applyRenewal grants a new term. A renewal that arrives before the first
// term was granted becomes that first grant, and only for an active
// subscription.
func (p *Processor) applyRenewal(ctx context.Context, tx *gorm.DB, sub *paymentdomain.Subscription) (Outcome, error) {
	row, err := p.subRepo.FindByExternalID(ctx, tx, sub.ID)
	if err != nil {
		return Outcome{}, err
	}
	if row == nil {
		p.log.Info("renewal for unknown subscription, ignoring", zap.String("subscription_id", sub.ID))
		return Outcome{Skipped: true}, nil
	}

	outcome := Outcome{SubscriptionID: row.ID, UserID: row.UserID, Status: row.Status}
	if sub.CurrentEnd == nil {
		p.log.Warn("renewal without term end, ignoring", zap.String("subscription_id", sub.ID))
		outcome.Skipped = true
		return outcome, nil
	}
	status := row.Status
	if sub.Status != "" {
		status = sub.Status
	}
	if !subscriptiondomain.IsActiveStatus(status) {
		p.log.Info("renewal for inactive subscription, ignoring",
			zap.String("subscription_id", sub.ID),
			zap.String("status", status),
		)
		outcome.Skipped = true
		return outcome, nil
	}

	initialGranted, err := p.ledgerSvc.Granted(ctx, tx, sub.ID)
	if err != nil {
		return Outcome{}, err
	}
	if initialGranted && row.EndDate != nil && !sub.CurrentEnd.After(*row.EndDate) {
		outcome.Skipped = true
		return outcome, nil
	}

	end := sub.CurrentEnd.UTC()
	key := TermKey(sub.ID, end)
	if !initialGranted {
		key = sub.ID
	}
	res, err := p.ledgerSvc.Grant(ctx, tx, []ledgerdomain.Grant{{
		UserID:         row.UserID,
		Pages:          p.pricing.Pages(row.ItemPriceID),
		Reason:         ledgerdomain.ReasonPurchase,
		SourceType:     ledgerdomain.SourceTypeSubscription,
		ReferenceID:    ledgerdomain.StringPtr(TermReference(row.ID, &end)),
		ExpiresAt:      &end,
		IdempotencyKey: key,
	}})
	if err != nil {
		return Outcome{}, err
	}

	row.EndDate = &end
	row.Status = status
	row.UpdatedAt = p.clock.Now()
	if err := p.subRepo.Update(ctx, tx, row); err != nil {
		return Outcome{}, err
	}
	outcome.Status = row.Status
	if res.Inserted > 0 {
		outcome.PagesGranted = res.Pages
	}
	return outcome, nil
}

func (p *Processor) applyCancel(ctx context.Context, tx *gorm.DB, sub *paymentdomain.Subscription) (Outcome, error) {
	row, err := p.subRepo.FindByExternalID(ctx, tx, sub.ID)
	if err != nil {
		return Outcome{}, err
	}
	if row == nil {
		p.log.Info("cancellation for unknown subscription, ignoring", zap.String("subscription_id", sub.ID))
		return Outcome{Skipped: true}, nil
	}

	status := sub.Status
	if status == "" || subscriptiondomain.IsActiveStatus(status) {
		status = "cancelled"
	}
	if err := p.subRepo.UpdateStatus(ctx, tx, row.ID, status, p.clock.Now()); err != nil {
		return Outcome{}, err
	}
	return Outcome{SubscriptionID: row.ID, UserID: row.UserID, Status: status}, nil
}

func (p *Processor) lookupSubscription(ctx context.Context, provider paymentdomain.ProviderType, id string) (*paymentdomain.Subscription, error) {
	if p.selector == nil {
		return nil, nil
	}
	gateway, err := p.selector.Get(provider)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrProviderNotConfigured) {
			return nil, nil
		}
		return nil, err
	}
	return gateway.GetSubscription(ctx, id)
}

func (p *Processor) publish(ctx context.Context, outcome Outcome) {
	if outcome.Skipped || outcome.UserID == "" {
		return
	}
	payload := map[string]any{
		"subscription_id": outcome.SubscriptionID.String(),
		"action":          outcome.Action,
		"status":          outcome.Status,
	}
	if err := p.publisher.Publish(ctx, events.TopicSubscriptionChanged, outcome.UserID, payload); err != nil {
		p.log.Warn("publish subscription change failed", zap.Error(err))
	}
	if outcome.PagesGranted != 0 {
		granted := map[string]any{
			"subscription_id": outcome.SubscriptionID.String(),
			"pages":           outcome.PagesGranted,
		}
		if err := p.publisher.Publish(ctx, events.TopicCreditsGranted, outcome.UserID, granted); err != nil {
			p.log.Warn("publish credits granted failed", zap.Error(err))
		}
	}
}

func (p *Processor) currencyFor(sub *paymentdomain.Subscription) string {
	if sub.Currency != "" {
		return strings.ToUpper(sub.Currency)
	}
	return p.pricing.Lookup(sub.PlanID).Currency
}

// termEnd falls back to one month after start when the gateway has not
// reported a billing period yet.
func (p *Processor) termEnd(sub *paymentdomain.Subscription, start time.Time) *time.Time {
	if sub.CurrentEnd != nil {
		end := sub.CurrentEnd.UTC()
		return &end
	}
	end := start.UTC().AddDate(0, 1, 0)
	return &end
}

func statusChanged(row *subscriptiondomain.Subscription, sub *paymentdomain.Subscription) bool {
	if sub.Status != "" && !strings.EqualFold(row.Status, sub.Status) {
		return true
	}
	return sub.CurrentEnd != nil && (row.EndDate == nil || !row.EndDate.Equal(*sub.CurrentEnd))
}

func mergeSubscription(base, fresh paymentdomain.Subscription) paymentdomain.Subscription {
	if base.UserID == "" {
		base.UserID = fresh.UserID
	}
	if base.PlanID == "" {
		base.PlanID = fresh.PlanID
	}
	if base.CustomerID == "" {
		base.CustomerID = fresh.CustomerID
	}
	if base.Currency == "" {
		base.Currency = fresh.Currency
	}
	if base.Status == "" {
		base.Status = fresh.Status
	}
	base.CurrentStart = fresh.CurrentStart
	base.CurrentEnd = fresh.CurrentEnd
	return base
}

// ChangeKey is the idempotency key of a plan-change delta.
func ChangeKey(externalID, changeID string) string {
	return externalID + ":change:" + changeID
}

// TermReference names the lot funded by one billing term, so pages of
// different terms never share an expiry.
func TermReference(rowID snowflake.ID, termEnd *time.Time) string {
	if termEnd == nil {
		return rowID.String()
	}
	return fmt.Sprintf("%s:%d", rowID.String(), termEnd.Unix())
}

// TermKey is the idempotency key of a renewal grant.
func TermKey(externalID string, termEnd time.Time) string {
	return fmt.Sprintf("%s:term:%d", externalID, termEnd.Unix())
}
