package webhook_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/smallbiznis/pagebill/internal/clock"
	"github.com/smallbiznis/pagebill/internal/config"
	jobrepo "github.com/smallbiznis/pagebill/internal/job/repository"
	ledgerdomain "github.com/smallbiznis/pagebill/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/pagebill/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/pagebill/internal/ledger/service"
	"github.com/smallbiznis/pagebill/internal/payment/adapters"
	"github.com/smallbiznis/pagebill/internal/payment/adapters/paypal"
	"github.com/smallbiznis/pagebill/internal/payment/adapters/razorpay"
	paymentdomain "github.com/smallbiznis/pagebill/internal/payment/domain"
	"github.com/smallbiznis/pagebill/internal/payment/domain/mocks"
	"github.com/smallbiznis/pagebill/internal/payment/webhook"
	"github.com/smallbiznis/pagebill/internal/pricing"
	subscriptionrepo "github.com/smallbiznis/pagebill/internal/subscription/repository"
	"github.com/smallbiznis/pagebill/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	processor *webhook.Processor
	ledger    ledgerdomain.Service
	gateway   *mocks.MockProvider
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(2)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	table, err := pricing.NewTable(
		pricing.Price{ID: "plan_basic", Pages: 500, Kind: pricing.KindSubscription, Currency: "USD"},
		pricing.Price{ID: "plan_pro", Pages: 2000, Kind: pricing.KindSubscription, Currency: "USD"},
	)
	if err != nil {
		t.Fatalf("pricing: %v", err)
	}
	fake := clock.NewFakeClock(testNow)
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fake,
		Cfg:     config.Config{Credits: config.CreditsConfig{OveruseLimit: 10}},
		Repo:    ledgerrepo.Provide(),
		JobRepo: jobrepo.Provide(),
	})

	ctrl := gomock.NewController(t)
	gateway := mocks.NewMockProvider(ctrl)
	gateway.EXPECT().Type().Return(paymentdomain.ProviderPayPal).AnyTimes()

	processor := webhook.NewProcessor(webhook.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fake,
		Pricing:   table,
		SubRepo:   subscriptionrepo.Provide(),
		LedgerSvc: ledgerSvc,
		Selector:  adapters.NewSelector("", gateway),
	})
	return fixture{db: db, clock: fake, processor: processor, ledger: ledgerSvc, gateway: gateway}
}

func (f fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	balance, err := f.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return balance.Total
}

func timePtr(t time.Time) *time.Time { return &t }

func razorpayEvent(id, eventType string, sub paymentdomain.Subscription) *paymentdomain.WebhookEvent {
	return &paymentdomain.WebhookEvent{
		Provider:     paymentdomain.ProviderRazorpay,
		ID:           id,
		Type:         eventType,
		Subscription: &sub,
		OccurredAt:   testNow,
	}
}

func activeRazorpaySub(plan string, end time.Time) paymentdomain.Subscription {
	return paymentdomain.Subscription{
		ID:           "sub_1",
		PlanID:       plan,
		Status:       "active",
		CustomerID:   "cust_1",
		UserID:       "user-1",
		CurrentStart: timePtr(testNow),
		CurrentEnd:   timePtr(end),
	}
}

func TestSubscriptionCreatedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	event := razorpayEvent("evt_1", razorpay.EventSubscriptionActivated, activeRazorpaySub("plan_basic", testNow.AddDate(0, 1, 0)))

	outcome, err := f.processor.Process(ctx, event)
	require.NoError(t, err)
	require.True(t, outcome.Created)
	require.Equal(t, int64(500), outcome.PagesGranted)
	require.Equal(t, webhook.ActionSubscriptionCreated, outcome.Action)

	outcome, err = f.processor.Process(ctx, event)
	require.NoError(t, err)
	require.False(t, outcome.Created)
	require.Equal(t, int64(0), outcome.PagesGranted)

	require.Equal(t, int64(1), testutil.Count(t, f.db, "SELECT COUNT(1) FROM subscriptions"))
	require.Equal(t, int64(1), testutil.Count(t, f.db, "SELECT COUNT(1) FROM ledger_entries"))
	require.Equal(t, int64(1), testutil.Count(t, f.db, "SELECT COUNT(1) FROM user_gateway_ids WHERE user_id = ? AND gateway_user_id = ?", "user-1", "cust_1"))
	require.Equal(t, int64(500), f.balance(t, "user-1"))
}

func TestPendingSubscriptionGrantsOnActivation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	pending := paymentdomain.Subscription{ID: "I-1", PlanID: "plan_basic", Status: "approval_pending", UserID: "user-1"}
	_, err := f.processor.Process(ctx, &paymentdomain.WebhookEvent{
		Provider: paymentdomain.ProviderPayPal, ID: "WH-1", Type: paypal.EventSubscriptionCreated, Subscription: &pending,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), testutil.Count(t, f.db, "SELECT COUNT(1) FROM subscriptions WHERE status = ?", "approval_pending"))
	require.Equal(t, int64(0), testutil.Count(t, f.db, "SELECT COUNT(1) FROM ledger_entries"))

	active := paymentdomain.Subscription{ID: "I-1", PlanID: "plan_basic", Status: "active", CustomerID: "PAYER-1", CurrentEnd: timePtr(testNow.AddDate(0, 1, 0))}
	outcome, err := f.processor.Process(ctx, &paymentdomain.WebhookEvent{
		Provider: paymentdomain.ProviderPayPal, ID: "WH-2", Type: paypal.EventSubscriptionActivated, Subscription: &active,
	})
	require.NoError(t, err)
	require.Equal(t, int64(500), outcome.PagesGranted)
	require.Equal(t, "user-1", outcome.UserID)
	require.Equal(t, int64(1), testutil.Count(t, f.db, "SELECT COUNT(1) FROM subscriptions WHERE status = ?", "active"))
	require.Equal(t, int64(1), testutil.Count(t, f.db, "SELECT COUNT(1) FROM user_gateway_ids WHERE user_id = ?", "user-1"))
	require.Equal(t, int64(500), f.balance(t, "user-1"))
}

func TestSubscriptionWithoutUserIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := activeRazorpaySub("plan_basic", testNow.AddDate(0, 1, 0))
	sub.UserID = ""

	outcome, err := f.processor.Process(ctx, razorpayEvent("evt_1", razorpay.EventSubscriptionActivated, sub))
	require.NoError(t, err)
	require.True(t, outcome.Skipped)
	require.Equal(t, int64(0), testutil.Count(t, f.db, "SELECT COUNT(1) FROM subscriptions"))
	require.Equal(t, int64(0), testutil.Count(t, f.db, "SELECT COUNT(1) FROM user_gateway_ids"))
}

func TestKnownCustomerResolvesUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.db.Exec(
		`INSERT INTO user_gateway_ids (user_id, provider, gateway_user_id, created_at) VALUES (?, ?, ?, ?)`,
		"user-9", "razorpay", "cust_1", testNow,
	).Error)

	sub := activeRazorpaySub("plan_basic", testNow.AddDate(0, 1, 0))
	sub.UserID = ""
	outcome, err := f.processor.Process(ctx, razorpayEvent("evt_1", razorpay.EventSubscriptionActivated, sub))
	require.NoError(t, err)
	require.Equal(t, "user-9", outcome.UserID)
	require.Equal(t, int64(500), f.balance(t, "user-9"))
}

func TestPlanChangeGrantsDelta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	end := testNow.AddDate(0, 1, 0)

	_, err := f.processor.Process(ctx, razorpayEvent("evt_1", razorpay.EventSubscriptionActivated, activeRazorpaySub("plan_basic", end)))
	require.NoError(t, err)

	upgrade := razorpayEvent("evt_2", razorpay.EventSubscriptionUpdated, activeRazorpaySub("plan_pro", end))
	outcome, err := f.processor.Process(ctx, upgrade)
	require.NoError(t, err)
	require.Equal(t, int64(1500), outcome.PagesGranted)
	require.Equal(t, int64(2000), f.balance(t, "user-1"))

	_, err = f.processor.Process(ctx, upgrade)
	require.NoError(t, err)
	require.Equal(t, int64(2000), f.balance(t, "user-1"))
	require.Equal(t, int64(1), testutil.Count(t, f.db, "SELECT COUNT(1) FROM subscriptions WHERE item_price_id = ?", "plan_pro"))
}

func TestPlanChangeToUnmappedPlan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	end := testNow.AddDate(0, 1, 0)

	_, err := f.processor.Process(ctx, razorpayEvent("evt_1", razorpay.EventSubscriptionActivated, activeRazorpaySub("plan_basic", end)))
	require.NoError(t, err)

	outcome, err := f.processor.Process(ctx, razorpayEvent("evt_2", razorpay.EventSubscriptionUpdated, activeRazorpaySub("plan_legacy", end)))
	require.NoError(t, err)
	require.Equal(t, int64(-500), outcome.PagesGranted)
	require.Equal(t, int64(1), testutil.Count(t, f.db, "SELECT COUNT(1) FROM ledger_entries WHERE change = ? AND reason = ? AND idempotency_key = ?", -500, "UPGRADE", "sub_1:change:evt_2"))
	require.Equal(t, int64(0), f.balance(t, "user-1"))
}

func TestChangeAndCancelForUnknownSubscription(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := activeRazorpaySub("plan_pro", testNow.AddDate(0, 1, 0))
	sub.CustomerID = ""

	for _, eventType := range []string{razorpay.EventSubscriptionUpdated, razorpay.EventSubscriptionCharged, razorpay.EventSubscriptionCancelled} {
		outcome, err := f.processor.Process(ctx, razorpayEvent("evt_"+eventType, eventType, sub))
		require.NoError(t, err)
		require.True(t, outcome.Skipped, eventType)
	}
	require.Equal(t, int64(0), testutil.Count(t, f.db, "SELECT COUNT(1) FROM subscriptions"))
	require.Equal(t, int64(0), testutil.Count(t, f.db, "SELECT COUNT(1) FROM ledger_entries"))
}

func TestRenewalGrantsOncePerTerm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	firstEnd := testNow.AddDate(0, 1, 0)
	secondEnd := firstEnd.AddDate(0, 1, 0)

	_, err := f.processor.Process(ctx, razorpayEvent("evt_1", razorpay.EventSubscriptionActivated, activeRazorpaySub("plan_basic", firstEnd)))
	require.NoError(t, err)

	outcome, err := f.processor.Process(ctx, razorpayEvent("evt_2", razorpay.EventSubscriptionCharged, activeRazorpaySub("plan_basic", firstEnd)))
	require.NoError(t, err)
	require.True(t, outcome.Skipped)

	outcome, err = f.processor.Process(ctx, razorpayEvent("evt_3", razorpay.EventSubscriptionCharged, activeRazorpaySub("plan_basic", secondEnd)))
	require.NoError(t, err)
	require.Equal(t, int64(500), outcome.PagesGranted)

	_, err = f.processor.Process(ctx, razorpayEvent("evt_4", razorpay.EventSubscriptionCharged, activeRazorpaySub("plan_basic", secondEnd)))
	require.NoError(t, err)

	require.Equal(t, int64(2), testutil.Count(t, f.db, "SELECT COUNT(1) FROM ledger_entries"))
	require.Equal(t, int64(1000), f.balance(t, "user-1"))
}

func TestPayPalSaleLooksUpTermEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	firstEnd := testNow.AddDate(0, 1, 0)
	secondEnd := firstEnd.AddDate(0, 1, 0)

	active := paymentdomain.Subscription{ID: "I-1", PlanID: "plan_basic", Status: "active", UserID: "user-1", CurrentEnd: &firstEnd}
	_, err := f.processor.Process(ctx, &paymentdomain.WebhookEvent{
		Provider: paymentdomain.ProviderPayPal, ID: "WH-1", Type: paypal.EventSubscriptionActivated, Subscription: &active,
	})
	require.NoError(t, err)

	f.gateway.EXPECT().GetSubscription(gomock.Any(), "I-1").Return(&paymentdomain.Subscription{
		ID: "I-1", PlanID: "plan_basic", Status: "active", CurrentEnd: &secondEnd,
	}, nil)
	outcome, err := f.processor.Process(ctx, &paymentdomain.WebhookEvent{
		Provider:     paymentdomain.ProviderPayPal,
		ID:           "WH-2",
		Type:         paypal.EventSaleCompleted,
		Subscription: &paymentdomain.Subscription{ID: "I-1", UserID: "user-1"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(500), outcome.PagesGranted)
	require.Equal(t, int64(1), testutil.Count(t, f.db, "SELECT COUNT(1) FROM ledger_entries WHERE idempotency_key = ?", webhook.TermKey("I-1", secondEnd)))
}

func TestRenewalTermsExpireIndependently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	firstEnd := testNow.AddDate(0, 1, 0)
	secondEnd := firstEnd.AddDate(0, 1, 0)

	_, err := f.processor.Process(ctx, razorpayEvent("evt_1", razorpay.EventSubscriptionActivated, activeRazorpaySub("plan_basic", firstEnd)))
	require.NoError(t, err)
	_, err = f.processor.Process(ctx, razorpayEvent("evt_2", razorpay.EventSubscriptionCharged, activeRazorpaySub("plan_basic", secondEnd)))
	require.NoError(t, err)

	balance, err := f.ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, balance.Lots, 2)

	require.NoError(t, f.db.Exec(
		`INSERT INTO jobs (id, user_id, status, source_key, result_s3_path, num_pages, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"job-1", "user-1", "success", "uploads/job-1", "results/job-1.jsonl", 700, testNow, testNow,
	).Error)
	res, err := f.ledger.ChargeJob(ctx, ledgerdomain.ChargeJobRequest{UserID: "user-1", JobID: "job-1"})
	require.NoError(t, err)
	require.Equal(t, int64(700), res.PagesDeducted)
	require.Len(t, res.Entries, 2)
	require.True(t, res.Entries[0].ExpiresAt.Equal(firstEnd))
	require.True(t, res.Entries[1].ExpiresAt.Equal(secondEnd))
	require.Equal(t, int64(300), f.balance(t, "user-1"))

	f.clock.Set(firstEnd.Add(time.Hour))
	require.Equal(t, int64(300), f.balance(t, "user-1"))

	f.clock.Set(secondEnd.Add(time.Hour))
	require.Equal(t, int64(0), f.balance(t, "user-1"))
}

func TestSaleBeforeActivationGrantsOneTerm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	termEnd := testNow.AddDate(0, 1, 1)

	pending := paymentdomain.Subscription{ID: "I-1", PlanID: "plan_basic", Status: "approval_pending", UserID: "user-1"}
	_, err := f.processor.Process(ctx, &paymentdomain.WebhookEvent{
		Provider: paymentdomain.ProviderPayPal, ID: "WH-1", Type: paypal.EventSubscriptionCreated, Subscription: &pending,
	})
	require.NoError(t, err)

	f.gateway.EXPECT().GetSubscription(gomock.Any(), "I-1").Return(&paymentdomain.Subscription{
		ID: "I-1", PlanID: "plan_basic", Status: "active", CustomerID: "PAYER-1", CurrentEnd: &termEnd,
	}, nil)
	outcome, err := f.processor.Process(ctx, &paymentdomain.WebhookEvent{
		Provider: paymentdomain.ProviderPayPal, ID: "WH-2", Type: paypal.EventSaleCompleted,
		Subscription: &paymentdomain.Subscription{ID: "I-1", UserID: "user-1"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(500), outcome.PagesGranted)
	require.Equal(t, int64(1), testutil.Count(t, f.db, "SELECT COUNT(1) FROM ledger_entries WHERE idempotency_key = ?", "I-1"))

	active := paymentdomain.Subscription{ID: "I-1", PlanID: "plan_basic", Status: "active", CustomerID: "PAYER-1", CurrentEnd: &termEnd}
	outcome, err = f.processor.Process(ctx, &paymentdomain.WebhookEvent{
		Provider: paymentdomain.ProviderPayPal, ID: "WH-3", Type: paypal.EventSubscriptionActivated, Subscription: &active,
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), outcome.PagesGranted)

	require.Equal(t, int64(1), testutil.Count(t, f.db, "SELECT COUNT(1) FROM ledger_entries"))
	require.Equal(t, int64(1), testutil.Count(t, f.db, "SELECT COUNT(1) FROM subscriptions WHERE status = ?", "active"))
	require.Equal(t, int64(500), f.balance(t, "user-1"))
}

func TestRenewalForPendingSubscriptionIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	termEnd := testNow.AddDate(0, 1, 1)

	pending := paymentdomain.Subscription{ID: "I-1", PlanID: "plan_basic", Status: "approval_pending", UserID: "user-1"}
	_, err := f.processor.Process(ctx, &paymentdomain.WebhookEvent{
		Provider: paymentdomain.ProviderPayPal, ID: "WH-1", Type: paypal.EventSubscriptionCreated, Subscription: &pending,
	})
	require.NoError(t, err)

	f.gateway.EXPECT().GetSubscription(gomock.Any(), "I-1").Return(&paymentdomain.Subscription{
		ID: "I-1", PlanID: "plan_basic", Status: "approval_pending", CurrentEnd: &termEnd,
	}, nil)
	outcome, err := f.processor.Process(ctx, &paymentdomain.WebhookEvent{
		Provider: paymentdomain.ProviderPayPal, ID: "WH-2", Type: paypal.EventSaleCompleted,
		Subscription: &paymentdomain.Subscription{ID: "I-1", UserID: "user-1"},
	})
	require.NoError(t, err)
	require.True(t, outcome.Skipped)
	require.Equal(t, int64(0), testutil.Count(t, f.db, "SELECT COUNT(1) FROM ledger_entries"))
	require.Equal(t, int64(1), testutil.Count(t, f.db, "SELECT COUNT(1) FROM subscriptions WHERE status = ?", "approval_pending"))
}

func TestCancellationUpdatesStatusOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	end := testNow.AddDate(0, 1, 0)

	_, err := f.processor.Process(ctx, razorpayEvent("evt_1", razorpay.EventSubscriptionActivated, activeRazorpaySub("plan_basic", end)))
	require.NoError(t, err)

	halted := activeRazorpaySub("plan_basic", end)
	halted.Status = "halted"
	outcome, err := f.processor.Process(ctx, razorpayEvent("evt_2", razorpay.EventSubscriptionHalted, halted))
	require.NoError(t, err)
	require.Equal(t, "halted", outcome.Status)
	require.Equal(t, int64(1), testutil.Count(t, f.db, "SELECT COUNT(1) FROM subscriptions WHERE status = ?", "halted"))
	require.Equal(t, int64(1), testutil.Count(t, f.db, "SELECT COUNT(1) FROM ledger_entries"))
	require.Equal(t, int64(500), f.balance(t, "user-1"))
}

func TestUnmappedEventIsIgnored(t *testing.T) {
	f := newFixture(t)
	_, err := f.processor.Process(context.Background(), &paymentdomain.WebhookEvent{
		Provider: paymentdomain.ProviderPayPal, ID: "WH-1", Type: paypal.EventCaptureCompleted,
	})
	require.ErrorIs(t, err, paymentdomain.ErrEventIgnored)

	_, err = f.processor.Process(context.Background(), &paymentdomain.WebhookEvent{
		Provider: paymentdomain.ProviderRazorpay, ID: "evt_1", Type: razorpay.EventSubscriptionActivated,
	})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
}

func TestClassify(t *testing.T) {
	action, ok := webhook.Classify(paymentdomain.ProviderPayPal, paypal.EventSubscriptionSuspended)
	require.True(t, ok)
	require.Equal(t, webhook.ActionSubscriptionCancelled, action)

	action, ok = webhook.Classify(paymentdomain.ProviderRazorpay, razorpay.EventSubscriptionAuthenticated)
	require.True(t, ok)
	require.Equal(t, webhook.ActionSubscriptionCreated, action)

	_, ok = webhook.Classify(paymentdomain.ProviderRazorpay, paypal.EventSubscriptionActivated)
	require.False(t, ok)
}
