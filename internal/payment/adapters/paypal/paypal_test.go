package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/smallbiznis/pagebill/internal/config"
	paymentdomain "github.com/smallbiznis/pagebill/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePayPal struct {
	t        *testing.T
	mux      *http.ServeMux
	captured bool
	lastBody map[string]any
}

func newFakePayPal(t *testing.T) (*fakePayPal, *httptest.Server) {
	f := &fakePayPal{t: t, mux: http.NewServeMux()}
	f.mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client", user)
		assert.Equal(t, "secret", pass)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok_1","token_type":"Bearer","expires_in":3600}`))
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/oauth2/token" {
			assert.Equal(t, "Bearer tok_1", r.Header.Get("Authorization"))
		}
		if r.Body != nil {
			raw, _ := io.ReadAll(r.Body)
			f.lastBody = nil
			_ = json.Unmarshal(raw, &f.lastBody)
		}
		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func newTestAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	adapter, err := New(config.PayPalConfig{
		BaseURL:      srv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		WebhookID:    "WH-1",
		BrandName:    "pagebill",
	}, srv.Client(), nil)
	require.NoError(t, err)
	return adapter
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(config.PayPalConfig{BaseURL: "http://localhost"}, nil, nil)
	require.ErrorIs(t, err, paymentdomain.ErrProviderNotConfigured)
}

func TestCreateOrderSendsDecimalAmounts(t *testing.T) {
	fake, srv := newFakePayPal(t)
	fake.mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "order-sess_1", r.Header.Get("PayPal-Request-Id"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ORDER-1","status":"CREATED","links":[{"rel":"self","href":"x"},{"rel":"approve","href":"https://paypal.test/approve"}]}`))
	})
	adapter := newTestAdapter(t, srv)

	order, err := adapter.CreateOrder(context.Background(), paymentdomain.OrderRequest{
		ReferenceID: "sess_1",
		UserID:      "user-1",
		Currency:    "usd",
		Amount:      1998,
		Items:       []paymentdomain.OrderItem{{PriceID: "bundle_small", Name: "Small", Quantity: 2, UnitAmount: 999}},
	})
	require.NoError(t, err)
	require.Equal(t, "ORDER-1", order.ID)
	require.Equal(t, "https://paypal.test/approve", order.ApprovalURL)
	require.Equal(t, "USD", order.Currency)

	units := fake.lastBody["purchase_units"].([]any)
	amount := units[0].(map[string]any)["amount"].(map[string]any)
	require.Equal(t, "19.98", amount["value"])
	require.Equal(t, "USD", amount["currency_code"])
	require.Equal(t, "CAPTURE", fake.lastBody["intent"])
}

func TestCaptureOrderReadsBackAlreadyCaptured(t *testing.T) {
	fake, srv := newFakePayPal(t)
	orderJSON := `{"id":"ORDER-1","status":"COMPLETED","payer":{"payer_id":"PAYER-1"},"purchase_units":[{"payments":{"captures":[{"id":"CAP-1","status":"COMPLETED","amount":{"currency_code":"USD","value":"19.98"},"create_time":"2026-03-01T10:00:00Z"}]}}]}`
	fake.mux.HandleFunc("/v2/checkout/orders/ORDER-1/capture", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "capture-ORDER-1", r.Header.Get("PayPal-Request-Id"))
		if fake.captured {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_ALREADY_CAPTURED"}]}`))
			return
		}
		fake.captured = true
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(orderJSON))
	})
	fake.mux.HandleFunc("/v2/checkout/orders/ORDER-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(orderJSON))
	})
	adapter := newTestAdapter(t, srv)

	for i := 0; i < 2; i++ {
		capture, err := adapter.CaptureOrder(context.Background(), "ORDER-1")
		require.NoError(t, err)
		require.Equal(t, paymentdomain.CaptureCompleted, capture.Status)
		require.Equal(t, int64(1998), capture.Amount)
		require.Equal(t, "CAP-1", capture.CaptureID)
		require.Equal(t, "PAYER-1", capture.PayerID)
	}
}

func TestCaptureOrderSurfacesGatewayError(t *testing.T) {
	fake, srv := newFakePayPal(t)
	fake.mux.HandleFunc("/v2/checkout/orders/ORDER-2/capture", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"details":[{"issue":"INSTRUMENT_DECLINED"}]}`))
	})
	adapter := newTestAdapter(t, srv)

	_, err := adapter.CaptureOrder(context.Background(), "ORDER-2")
	var gwErr *paymentdomain.GatewayError
	require.True(t, errors.As(err, &gwErr))
	require.Equal(t, http.StatusUnprocessableEntity, gwErr.StatusCode)
}

func TestGetSubscriptionNormalizes(t *testing.T) {
	fake, srv := newFakePayPal(t)
	fake.mux.HandleFunc("/v1/billing/subscriptions/I-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"I-1","plan_id":"P-PRO","status":"ACTIVE","custom_id":"user-1","start_time":"2026-03-01T00:00:00Z","subscriber":{"payer_id":"PAYER-1"},"billing_info":{"next_billing_time":"2026-04-01T00:00:00Z","last_payment":{"amount":{"currency_code":"USD","value":"9.99"},"time":"2026-03-01T00:05:00Z"}}}`))
	})
	adapter := newTestAdapter(t, srv)

	sub, err := adapter.GetSubscription(context.Background(), "I-1")
	require.NoError(t, err)
	require.Equal(t, "active", sub.Status)
	require.True(t, sub.Active())
	require.Equal(t, "P-PRO", sub.PlanID)
	require.Equal(t, "PAYER-1", sub.CustomerID)
	require.Equal(t, "user-1", sub.UserID)
	require.Equal(t, "USD", sub.Currency)
	require.Equal(t, "2026-04-01T00:00:00Z", sub.CurrentEnd.Format("2006-01-02T15:04:05Z07:00"))
}

func TestVerifyWebhookSignature(t *testing.T) {
	fake, srv := newFakePayPal(t)
	status := "SUCCESS"
	fake.mux.HandleFunc("/v1/notifications/verify-webhook-signature", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "WH-1", fake.lastBody["webhook_id"])
		assert.Equal(t, "sig", fake.lastBody["transmission_sig"])
		_, _ = w.Write([]byte(`{"verification_status":"` + status + `"}`))
	})
	adapter := newTestAdapter(t, srv)

	headers := http.Header{}
	headers.Set("PAYPAL-AUTH-ALGO", "SHA256withRSA")
	headers.Set("PAYPAL-CERT-URL", "https://api.paypal.com/cert")
	headers.Set("PAYPAL-TRANSMISSION-ID", "tx-1")
	headers.Set("PAYPAL-TRANSMISSION-SIG", "sig")
	headers.Set("PAYPAL-TRANSMISSION-TIME", "2026-03-01T00:00:00Z")
	payload := []byte(`{"id":"WH-EVT-1","event_type":"BILLING.SUBSCRIPTION.ACTIVATED"}`)

	res, err := adapter.VerifyWebhookSignature(context.Background(), headers, payload)
	require.NoError(t, err)
	require.True(t, res.Verified)

	status = "FAILURE"
	res, err = adapter.VerifyWebhookSignature(context.Background(), headers, payload)
	require.NoError(t, err)
	require.False(t, res.Verified)

	headers.Del("PAYPAL-TRANSMISSION-SIG")
	res, err = adapter.VerifyWebhookSignature(context.Background(), headers, payload)
	require.NoError(t, err)
	require.False(t, res.Verified)

	headers.Set("PAYPAL-TRANSMISSION-SIG", "sig")
	res, err = adapter.VerifyWebhookSignature(context.Background(), headers, []byte("not json"))
	require.NoError(t, err)
	require.False(t, res.Verified)
}

func TestDecodeWebhookEvent(t *testing.T) {
	adapter := &Adapter{}

	event, err := adapter.DecodeWebhookEvent(nil, []byte(`{"id":"WH-1","event_type":"BILLING.SUBSCRIPTION.ACTIVATED","resource_type":"subscription","create_time":"2026-03-01T00:00:00Z","resource":{"id":"I-1","plan_id":"P-PRO","status":"ACTIVE","custom_id":"user-1","subscriber":{"payer_id":"PAYER-1"},"billing_info":{"next_billing_time":"2026-04-01T00:00:00Z"}}}`))
	require.NoError(t, err)
	require.Equal(t, paymentdomain.ProviderPayPal, event.Provider)
	require.Equal(t, EventSubscriptionActivated, event.Type)
	require.NotNil(t, event.Subscription)
	require.Equal(t, "I-1", event.Subscription.ID)
	require.Equal(t, "user-1", event.Subscription.UserID)
	require.NotNil(t, event.Subscription.CurrentEnd)

	event, err = adapter.DecodeWebhookEvent(nil, []byte(`{"id":"WH-2","event_type":"PAYMENT.SALE.COMPLETED","resource_type":"sale","resource":{"id":"SALE-1","billing_agreement_id":"I-1","amount":{"total":"9.99","currency":"USD"}}}`))
	require.NoError(t, err)
	require.Equal(t, "I-1", event.Subscription.ID)

	_, err = adapter.DecodeWebhookEvent(nil, []byte(`{"event_type":"X"}`))
	require.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
	_, err = adapter.DecodeWebhookEvent(nil, []byte(`nope`))
	require.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}

func TestProcessWebhookEventIgnoresUnknown(t *testing.T) {
	adapter := &Adapter{log: zapNop()}
	err := adapter.ProcessWebhookEvent(context.Background(), &paymentdomain.WebhookEvent{ID: "1", Type: "CHECKOUT.ORDER.APPROVED"})
	require.ErrorIs(t, err, paymentdomain.ErrEventIgnored)

	err = adapter.ProcessWebhookEvent(context.Background(), &paymentdomain.WebhookEvent{ID: "2", Type: EventSubscriptionCancelled})
	require.NoError(t, err)
}

func TestCancelSubscription(t *testing.T) {
	fake, srv := newFakePayPal(t)
	called := false
	fake.mux.HandleFunc("/v1/billing/subscriptions/I-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.True(t, strings.Contains(fake.lastBody["reason"].(string), "too expensive"))
		w.WriteHeader(http.StatusNoContent)
	})
	adapter := newTestAdapter(t, srv)

	require.NoError(t, adapter.CancelSubscription(context.Background(), "I-1", "too expensive"))
	require.True(t, called)
}

func zapNop() *zap.Logger { return zap.NewNop() }
