package razorpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/pagebill/internal/config"
	"github.com/smallbiznis/pagebill/internal/payment/adapters/transport"
	paymentdomain "github.com/smallbiznis/pagebill/internal/payment/domain"
	"go.uber.org/zap"
)

// Webhook event types handled by this adapter.
const (
	EventSubscriptionAuthenticated = "subscription.authenticated"
	EventSubscriptionActivated     = "subscription.activated"
	EventSubscriptionUpdated       = "subscription.updated"
	EventSubscriptionCharged       = "subscription.charged"
	EventSubscriptionCancelled     = "subscription.cancelled"
	EventSubscriptionCompleted     = "subscription.completed"
	EventSubscriptionHalted        = "subscription.halted"
	EventPaymentCaptured           = "payment.captured"
)

const (
	headerSignature = "X-Razorpay-Signature"
	headerEventID   = "X-Razorpay-Event-Id"

	noteUserID    = "user_id"
	noteReference = "reference_id"
)

type Adapter struct {
	client        *transport.Client
	webhookSecret string
	totalCount    int
	log           *zap.Logger
}

// New builds a Razorpay adapter using key id and secret as basic credentials.
func New(cfg config.RazorpayConfig, base *http.Client, log *zap.Logger, opts ...transport.Option) (*Adapter, error) {
	if strings.TrimSpace(cfg.KeyID) == "" || strings.TrimSpace(cfg.KeySecret) == "" {
		return nil, paymentdomain.ErrProviderNotConfigured
	}
	if log == nil {
		log = zap.NewNop()
	}
	totalCount := cfg.TotalCount
	if totalCount <= 0 {
		totalCount = 120
	}

	log = log.Named("payment.razorpay")
	opts = append([]transport.Option{transport.WithBasicAuth(cfg.KeyID, cfg.KeySecret)}, opts...)
	return &Adapter{
		client:        transport.New(paymentdomain.ProviderRazorpay, cfg.BaseURL, base, log, opts...),
		webhookSecret: cfg.WebhookSecret,
		totalCount:    totalCount,
		log:           log,
	}, nil
}

func (a *Adapter) Type() paymentdomain.ProviderType {
	return paymentdomain.ProviderRazorpay
}

// CreateOrder creates an order for the hosted checkout. Razorpay has no
// approval redirect for orders; the client opens checkout with the order id.
func (a *Adapter) CreateOrder(ctx context.Context, req paymentdomain.OrderRequest) (*paymentdomain.Order, error) {
	body := orderRequest{
		Amount:   req.Amount,
		Currency: strings.ToUpper(strings.TrimSpace(req.Currency)),
		Receipt:  req.ReferenceID,
		Notes: map[string]string{
			noteUserID:    req.UserID,
			noteReference: req.ReferenceID,
		},
	}

	var out orderEntity
	if _, err := a.client.Do(ctx, transport.Request{
		Operation: "create_order",
		Method:    http.MethodPost,
		Path:      "/orders",
		Body:      body,
	}, &out); err != nil {
		return nil, err
	}
	return &paymentdomain.Order{
		ID:       out.ID,
		Status:   out.Status,
		Amount:   out.Amount,
		Currency: strings.ToUpper(out.Currency),
	}, nil
}

// CaptureOrder reads the order's payments back. Payments are auto-captured, so
// a captured payment completes the order.
func (a *Adapter) CaptureOrder(ctx context.Context, orderID string) (*paymentdomain.Capture, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	var out paymentCollection
	if _, err := a.client.Do(ctx, transport.Request{
		Operation: "list_order_payments",
		Method:    http.MethodGet,
		Path:      "/orders/" + url.PathEscape(orderID) + "/payments",
	}, &out); err != nil {
		return nil, err
	}

	var pending, failed *paymentEntity
	for i := range out.Items {
		payment := &out.Items[i]
		switch normalizeCaptureStatus(payment.Status) {
		case paymentdomain.CaptureCompleted:
			return payment.capture(orderID), nil
		case paymentdomain.CapturePending:
			if pending == nil {
				pending = payment
			}
		case paymentdomain.CaptureFailed:
			if failed == nil {
				failed = payment
			}
		}
	}
	switch {
	case pending != nil:
		return pending.capture(orderID), nil
	case failed != nil:
		return failed.capture(orderID), nil
	}
	return &paymentdomain.Capture{OrderID: orderID, Status: paymentdomain.CapturePending}, nil
}

func (a *Adapter) CreateSubscription(ctx context.Context, req paymentdomain.SubscriptionRequest) (*paymentdomain.Subscription, error) {
	body := subscriptionRequest{
		PlanID:         req.PlanID,
		CustomerID:     req.CustomerID,
		TotalCount:     a.totalCount,
		CustomerNotify: 1,
		Notes: map[string]string{
			noteUserID:    req.UserID,
			noteReference: req.ReferenceID,
		},
	}

	var out subscriptionEntity
	if _, err := a.client.Do(ctx, transport.Request{
		Operation: "create_subscription",
		Method:    http.MethodPost,
		Path:      "/subscriptions",
		Body:      body,
	}, &out); err != nil {
		return nil, err
	}
	return out.normalize(), nil
}

func (a *Adapter) GetSubscription(ctx context.Context, subscriptionID string) (*paymentdomain.Subscription, error) {
	var out subscriptionEntity
	if _, err := a.client.Do(ctx, transport.Request{
		Operation: "get_subscription",
		Method:    http.MethodGet,
		Path:      "/subscriptions/" + url.PathEscape(subscriptionID),
	}, &out); err != nil {
		return nil, err
	}
	return out.normalize(), nil
}

// UpdateSubscription switches the plan immediately.
func (a *Adapter) UpdateSubscription(ctx context.Context, subscriptionID, planID string) (*paymentdomain.Subscription, error) {
	var out subscriptionEntity
	if _, err := a.client.Do(ctx, transport.Request{
		Operation: "update_subscription",
		Method:    http.MethodPatch,
		Path:      "/subscriptions/" + url.PathEscape(subscriptionID),
		Body:      updateSubscriptionRequest{PlanID: planID, ScheduleChangeAt: "now"},
	}, &out); err != nil {
		return nil, err
	}
	return out.normalize(), nil
}

func (a *Adapter) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	_, err := a.client.Do(ctx, transport.Request{
		Operation: "cancel_subscription",
		Method:    http.MethodPost,
		Path:      "/subscriptions/" + url.PathEscape(subscriptionID) + "/cancel",
		Body:      map[string]int{"cancel_at_cycle_end": 0},
	}, nil)
	if err == nil {
		a.log.Info("subscription cancelled", zap.String("subscription_id", subscriptionID), zap.String("reason", reason))
	}
	return err
}

func (a *Adapter) RefundPayment(ctx context.Context, paymentID string, req paymentdomain.RefundRequest) (*paymentdomain.Refund, error) {
	body := refundRequest{Amount: req.Amount, Receipt: req.IdempotencyKey}
	if req.Reason != "" {
		body.Notes = map[string]string{"reason": req.Reason}
	}

	var out refundEntity
	if _, err := a.client.Do(ctx, transport.Request{
		Operation: "refund_payment",
		Method:    http.MethodPost,
		Path:      "/payments/" + url.PathEscape(paymentID) + "/refund",
		Body:      body,
	}, &out); err != nil {
		return nil, err
	}
	return &paymentdomain.Refund{
		ID:       out.ID,
		Status:   out.Status,
		Amount:   out.Amount,
		Currency: strings.ToUpper(out.Currency),
	}, nil
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 of the raw body.
func (a *Adapter) VerifyWebhookSignature(ctx context.Context, headers http.Header, payload []byte) (paymentdomain.WebhookVerification, error) {
	if a.webhookSecret == "" {
		return paymentdomain.WebhookVerification{Reason: "webhook secret not configured"}, nil
	}
	signature := strings.ToLower(strings.TrimSpace(headers.Get(headerSignature)))
	if signature == "" {
		return paymentdomain.WebhookVerification{Reason: "missing signature header"}, nil
	}
	if !hmac.Equal([]byte(signature), []byte(Sign(a.webhookSecret, payload))) {
		return paymentdomain.WebhookVerification{Reason: "signature mismatch"}, nil
	}
	return paymentdomain.WebhookVerification{Verified: true}, nil
}

// Sign returns the signature Razorpay sends for payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// DecodeWebhookEvent reads the event id from X-Razorpay-Event-Id. Without it
// the body digest stands in, so identical redeliveries still collapse.
func (a *Adapter) DecodeWebhookEvent(headers http.Header, payload []byte) (*paymentdomain.WebhookEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(envelope.Event) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	id := strings.TrimSpace(headers.Get(headerEventID))
	if id == "" {
		sum := sha256.Sum256(payload)
		id = "sha256:" + hex.EncodeToString(sum[:])
	}
	event := &paymentdomain.WebhookEvent{
		Provider:   paymentdomain.ProviderRazorpay,
		ID:         id,
		Type:       envelope.Event,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
	if envelope.CreatedAt > 0 {
		event.OccurredAt = time.Unix(envelope.CreatedAt, 0).UTC()
	}

	if envelope.Payload.Subscription != nil {
		entity := envelope.Payload.Subscription.Entity
		if entity.ID == "" {
			return nil, paymentdomain.ErrInvalidEvent
		}
		event.ResourceType = "subscription"
		event.Subscription = entity.normalize()
	}
	if envelope.Payload.Payment != nil {
		payment := envelope.Payload.Payment.Entity
		if event.ResourceType == "" {
			event.ResourceType = "payment"
		}
		event.Capture = payment.capture(payment.OrderID)
		if event.Subscription != nil && event.Subscription.Currency == "" {
			event.Subscription.Currency = strings.ToUpper(payment.Currency)
		}
	}
	return event, nil
}

func (a *Adapter) ProcessWebhookEvent(ctx context.Context, event *paymentdomain.WebhookEvent) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	switch event.Type {
	case EventSubscriptionAuthenticated, EventSubscriptionActivated, EventSubscriptionUpdated,
		EventSubscriptionCharged, EventSubscriptionCancelled, EventSubscriptionCompleted,
		EventSubscriptionHalted, EventPaymentCaptured:
	default:
		return paymentdomain.ErrEventIgnored
	}

	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	}
	if event.Subscription != nil {
		fields = append(fields, zap.String("subscription_id", event.Subscription.ID), zap.String("status", event.Subscription.Status))
	}
	if event.Capture != nil {
		fields = append(fields, zap.String("payment_id", event.Capture.CaptureID), zap.String("capture_status", string(event.Capture.Status)))
	}
	a.log.Info("razorpay webhook received", fields...)
	return nil
}

func normalizeCaptureStatus(status string) paymentdomain.CaptureStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "captured":
		return paymentdomain.CaptureCompleted
	case "failed", "refunded":
		return paymentdomain.CaptureFailed
	default:
		return paymentdomain.CapturePending
	}
}

func unixPtr(v *int64) *time.Time {
	if v == nil || *v <= 0 {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}

func (p paymentEntity) capture(orderID string) *paymentdomain.Capture {
	if orderID == "" {
		orderID = p.OrderID
	}
	capture := &paymentdomain.Capture{
		OrderID:   orderID,
		CaptureID: p.ID,
		Status:    normalizeCaptureStatus(p.Status),
		Amount:    p.Amount,
		Currency:  strings.ToUpper(p.Currency),
		PayerID:   p.CustomerID,
	}
	if p.CreatedAt > 0 {
		capture.CapturedAt = time.Unix(p.CreatedAt, 0).UTC()
	}
	return capture
}

func (s subscriptionEntity) normalize() *paymentdomain.Subscription {
	return &paymentdomain.Subscription{
		ID:           s.ID,
		PlanID:       s.PlanID,
		Status:       strings.ToLower(strings.TrimSpace(s.Status)),
		CustomerID:   s.CustomerID,
		UserID:       s.Notes[noteUserID],
		CurrentStart: unixPtr(s.CurrentStart),
		CurrentEnd:   unixPtr(s.CurrentEnd),
		ApprovalURL:  s.ShortURL,
	}
}
