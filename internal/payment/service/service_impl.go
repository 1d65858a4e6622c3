package service

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/pagebill/internal/clock"
	"github.com/smallbiznis/pagebill/internal/config"
	"github.com/smallbiznis/pagebill/internal/events"
	ledgerdomain "github.com/smallbiznis/pagebill/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/pagebill/internal/observability/metrics"
	"github.com/smallbiznis/pagebill/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/pagebill/internal/payment/domain"
	"github.com/smallbiznis/pagebill/internal/payment/webhook"
	"github.com/smallbiznis/pagebill/internal/pricing"
	"github.com/smallbiznis/pagebill/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/pagebill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Pricing    *pricing.Table
	Repo       paymentdomain.Repository
	SubRepo    subscriptiondomain.Repository
	LedgerSvc  ledgerdomain.Service
	Selector   *adapters.Selector
	Processor  *webhook.Processor
	Guard      *ratelimit.Guard    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	Publisher  events.Publisher    `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	pricing    *pricing.Table
	repo       paymentdomain.Repository
	subRepo    subscriptiondomain.Repository
	ledgerSvc  ledgerdomain.Service
	selector   *adapters.Selector
	processor  *webhook.Processor
	guard      *ratelimit.Guard
	obsMetrics *obsmetrics.Metrics
	publisher  events.Publisher
	returnURL  string
	cancelURL  string
}

func NewService(p Params) paymentdomain.Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NewNoopPublisher(p.Log)
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		pricing:    p.Pricing,
		repo:       p.Repo,
		subRepo:    p.SubRepo,
		ledgerSvc:  p.LedgerSvc,
		selector:   p.Selector,
		processor:  p.Processor,
		guard:      p.Guard,
		obsMetrics: p.ObsMetrics,
		publisher:  publisher,
		returnURL:  p.Cfg.Checkout.ReturnURL,
		cancelURL:  p.Cfg.Checkout.CancelURL,
	}
}

type pricedItem struct {
	paymentdomain.CheckoutItem
	price pricing.Price
}

// GenerateCheckout prices the items from the pricing table, picks a gateway
// and opens a checkout there. A user with an active subscription is moved to
// the new plan instead of getting a second subscription.
func (s *Service) GenerateCheckout(ctx context.Context, req paymentdomain.GenerateCheckoutRequest) (paymentdomain.CheckoutResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return paymentdomain.CheckoutResult{}, paymentdomain.ErrInvalidUser
	}
	purchaseType := paymentdomain.PurchaseType(strings.ToUpper(strings.TrimSpace(string(req.PurchaseType))))
	if purchaseType != paymentdomain.PurchaseSubscription && purchaseType != paymentdomain.PurchaseOneTime {
		return paymentdomain.CheckoutResult{}, paymentdomain.ErrInvalidPurchaseType
	}

	items, currency, err := s.priceItems(purchaseType, req.Items, req.Currency)
	if err != nil {
		return paymentdomain.CheckoutResult{}, err
	}

	limit, err := s.guard.AllowCheckout(ctx, userID)
	if err != nil {
		s.log.Warn("checkout rate limit check failed", zap.Error(err))
	} else if limit != nil && !limit.Allowed {
		return paymentdomain.CheckoutResult{}, paymentdomain.ErrRateLimited
	}

	provider, err := s.selector.Resolve(req.Provider, currency, req.Region)
	if err != nil {
		return paymentdomain.CheckoutResult{}, err
	}

	now := s.clock.Now()
	session := &paymentdomain.CheckoutSession{
		ID:           ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		UserID:       userID,
		PurchaseType: purchaseType,
		Currency:     currency,
		Status:       paymentdomain.CheckoutOpen,
		CreatedAt:    now,
	}

	var redirectURL, orderRedirectURL string
	switch purchaseType {
	case paymentdomain.PurchaseSubscription:
		plan, bundles := splitItems(items)
		provider, redirectURL, err = s.openSubscription(ctx, provider, session, plan, len(bundles) > 0, req.Email)
		if err == nil && len(bundles) > 0 {
			orderRedirectURL, err = s.openOrder(ctx, provider, session, bundles)
		}
	case paymentdomain.PurchaseOneTime:
		redirectURL, err = s.openOrder(ctx, provider, session, items)
	}
	if err != nil {
		return paymentdomain.CheckoutResult{}, err
	}
	session.Provider = string(provider.Type())

	raw, err := json.Marshal(checkoutItems(items))
	if err != nil {
		return paymentdomain.CheckoutResult{}, err
	}
	session.Items = datatypes.JSON(raw)
	if err := s.repo.InsertCheckoutSession(ctx, s.db, session); err != nil {
		return paymentdomain.CheckoutResult{}, err
	}

	s.obsMetrics.RecordCheckoutSession(ctx, session.Provider, string(purchaseType))
	s.log.Info("checkout session opened",
		zap.String("session_id", session.ID),
		zap.String("provider", session.Provider),
		zap.String("purchase_type", string(purchaseType)),
		zap.Bool("existing_subscription", session.Existing),
	)

	return paymentdomain.CheckoutResult{
		SessionID:        session.ID,
		Provider:         provider.Type(),
		RedirectURL:      redirectURL,
		OrderRedirectURL: orderRedirectURL,
		OrderID:          deref(session.OrderID),
		SubscriptionID:   deref(session.SubscriptionID),
		Existing:         session.Existing,
	}, nil
}

// priceItems resolves every item against the pricing table. A subscription
// checkout carries exactly one plan and may add bundles; a one-time checkout
// carries bundles only.
func (s *Service) priceItems(purchaseType paymentdomain.PurchaseType, in []paymentdomain.CheckoutItem, currency string) ([]pricedItem, string, error) {
	if len(in) == 0 {
		return nil, "", paymentdomain.ErrInvalidItems
	}

	currency = strings.ToUpper(strings.TrimSpace(currency))
	items := make([]pricedItem, 0, len(in))
	plans := 0
	for _, item := range in {
		item.PriceID = strings.TrimSpace(item.PriceID)
		if item.PriceID == "" || item.Quantity < 0 {
			return nil, "", paymentdomain.ErrInvalidItems
		}
		if item.Quantity == 0 {
			item.Quantity = 1
		}
		price := s.pricing.Lookup(item.PriceID)
		if price.IsZero() {
			return nil, "", paymentdomain.ErrUnknownPrice
		}
		switch price.Kind {
		case pricing.KindSubscription:
			if purchaseType != paymentdomain.PurchaseSubscription || item.Quantity != 1 {
				return nil, "", paymentdomain.ErrInvalidItems
			}
			plans++
		case pricing.KindBundle:
			if price.Amount <= 0 {
				return nil, "", paymentdomain.ErrInvalidItems
			}
		default:
			return nil, "", paymentdomain.ErrInvalidItems
		}
		if price.Currency != "" {
			if currency == "" {
				currency = price.Currency
			} else if currency != price.Currency {
				return nil, "", paymentdomain.ErrCurrencyMismatch
			}
		}
		items = append(items, pricedItem{CheckoutItem: item, price: price})
	}
	if purchaseType == paymentdomain.PurchaseSubscription && plans != 1 {
		return nil, "", paymentdomain.ErrInvalidItems
	}
	if len(items) > plans && currency == "" {
		return nil, "", paymentdomain.ErrCurrencyMismatch
	}
	return items, currency, nil
}

// splitItems separates the plan from the bundles bought alongside it.
func splitItems(items []pricedItem) (pricedItem, []pricedItem) {
	var plan pricedItem
	bundles := make([]pricedItem, 0, len(items))
	for _, item := range items {
		if item.price.Kind == pricing.KindSubscription {
			plan = item
			continue
		}
		bundles = append(bundles, item)
	}
	return plan, bundles
}

func (s *Service) openSubscription(ctx context.Context, provider paymentdomain.Provider, session *paymentdomain.CheckoutSession, item pricedItem, withBundles bool, email string) (paymentdomain.Provider, string, error) {
	active, err := s.subRepo.FindActiveByUser(ctx, s.db, session.UserID)
	if err != nil {
		return nil, "", err
	}

	if active != nil {
		if active.ItemPriceID == item.PriceID {
			return nil, "", paymentdomain.ErrAlreadySubscribed
		}
		externalID := active.ExternalID()
		if externalID == "" {
			return nil, "", paymentdomain.ErrSubscriptionPending
		}
		if withBundles && active.Currency != "" && !strings.EqualFold(active.Currency, session.Currency) {
			return nil, "", paymentdomain.ErrCurrencyMismatch
		}
		activeType, err := paymentdomain.ParseProviderType(active.Provider)
		if err != nil {
			return nil, "", err
		}
		if provider, err = s.selector.Get(activeType); err != nil {
			return nil, "", err
		}

		updated, err := provider.UpdateSubscription(ctx, externalID, item.PriceID)
		if err != nil {
			return nil, "", err
		}
		session.Existing = true
		session.SubscriptionID = &externalID
		if active.Currency != "" {
			session.Currency = active.Currency
		}
		return provider, updated.ApprovalURL, nil
	}

	var customerID string
	mapping, err := s.subRepo.FindGatewayUserByUser(ctx, s.db, session.UserID, string(provider.Type()))
	if err != nil {
		return nil, "", err
	}
	if mapping != nil {
		customerID = mapping.GatewayUserID
	}

	created, err := provider.CreateSubscription(ctx, paymentdomain.SubscriptionRequest{
		PlanID:      item.PriceID,
		UserID:      session.UserID,
		CustomerID:  customerID,
		Email:       email,
		ReferenceID: session.ID,
		ReturnURL:   s.successURL(session.ID),
		CancelURL:   s.cancelURL,
	})
	if err != nil {
		return nil, "", err
	}
	session.SubscriptionID = &created.ID
	session.Amount = item.price.Amount
	return provider, created.ApprovalURL, nil
}

func (s *Service) openOrder(ctx context.Context, provider paymentdomain.Provider, session *paymentdomain.CheckoutSession, items []pricedItem) (string, error) {
	orderItems := make([]paymentdomain.OrderItem, 0, len(items))
	var amount int64
	for _, item := range items {
		orderItems = append(orderItems, paymentdomain.OrderItem{
			PriceID:    item.PriceID,
			Name:       itemName(item.price),
			Quantity:   item.Quantity,
			UnitAmount: item.price.Amount,
		})
		amount += item.price.Amount * item.Quantity
	}

	order, err := provider.CreateOrder(ctx, paymentdomain.OrderRequest{
		ReferenceID: session.ID,
		UserID:      session.UserID,
		Currency:    session.Currency,
		Amount:      amount,
		Items:       orderItems,
		Description: "Page bundle",
		ReturnURL:   s.successURL(session.ID),
		CancelURL:   s.cancelURL,
	})
	if err != nil {
		return "", err
	}
	session.OrderID = &order.ID
	session.Amount = amount
	return order.ApprovalURL, nil
}

// CancelSubscription cancels the user's active subscription at its gateway
// and marks it cancelled locally.
func (s *Service) CancelSubscription(ctx context.Context, userID, reason string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return paymentdomain.ErrInvalidUser
	}
	active, err := s.subRepo.FindActiveByUser(ctx, s.db, userID)
	if err != nil {
		return err
	}
	if active == nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}
	externalID := active.ExternalID()
	if externalID == "" {
		return paymentdomain.ErrSubscriptionPending
	}

	providerType, err := paymentdomain.ParseProviderType(active.Provider)
	if err != nil {
		return err
	}
	provider, err := s.selector.Get(providerType)
	if err != nil {
		return err
	}
	if err := provider.CancelSubscription(ctx, externalID, reason); err != nil {
		return err
	}
	if err := s.subRepo.UpdateStatus(ctx, s.db, active.ID, "cancelled", s.clock.Now()); err != nil {
		return err
	}

	s.log.Info("subscription cancelled",
		zap.String("subscription_id", externalID),
		zap.String("provider", active.Provider),
	)
	if err := s.publisher.Publish(ctx, events.TopicSubscriptionChanged, userID, map[string]any{
		"subscription_id": active.ID.String(),
		"action":          webhook.ActionSubscriptionCancelled,
		"status":          "cancelled",
	}); err != nil {
		s.log.Warn("publish subscription change failed", zap.Error(err))
	}
	return nil
}

func (s *Service) successURL(sessionID string) string {
	u, err := url.Parse(s.returnURL)
	if err != nil || s.returnURL == "" {
		return s.returnURL
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

func checkoutItems(items []pricedItem) []paymentdomain.CheckoutItem {
	out := make([]paymentdomain.CheckoutItem, 0, len(items))
	for _, item := range items {
		out = append(out, item.CheckoutItem)
	}
	return out
}

func itemName(price pricing.Price) string {
	if price.BundleType != "" {
		return price.BundleType + " page bundle"
	}
	return price.ID
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
