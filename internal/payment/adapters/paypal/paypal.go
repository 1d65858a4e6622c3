package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/pagebill/internal/config"
	"github.com/smallbiznis/pagebill/internal/payment/adapters/transport"
	paymentdomain "github.com/smallbiznis/pagebill/internal/payment/domain"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Webhook event types handled by this adapter.
const (
	EventSubscriptionCreated   = "BILLING.SUBSCRIPTION.CREATED"
	EventSubscriptionActivated = "BILLING.SUBSCRIPTION.ACTIVATED"
	EventSubscriptionUpdated   = "BILLING.SUBSCRIPTION.UPDATED"
	EventSubscriptionCancelled = "BILLING.SUBSCRIPTION.CANCELLED"
	EventSubscriptionExpired   = "BILLING.SUBSCRIPTION.EXPIRED"
	EventSubscriptionSuspended = "BILLING.SUBSCRIPTION.SUSPENDED"
	EventSaleCompleted         = "PAYMENT.SALE.COMPLETED"
	EventCaptureCompleted      = "PAYMENT.CAPTURE.COMPLETED"
)

const (
	headerAuthAlgo         = "PAYPAL-AUTH-ALGO"
	headerCertURL          = "PAYPAL-CERT-URL"
	headerTransmissionID   = "PAYPAL-TRANSMISSION-ID"
	headerTransmissionSig  = "PAYPAL-TRANSMISSION-SIG"
	headerTransmissionTime = "PAYPAL-TRANSMISSION-TIME"
	headerRequestID        = "PayPal-Request-Id"
)

type Adapter struct {
	client    *transport.Client
	webhookID string
	brandName string
	log       *zap.Logger
}

// New builds a PayPal adapter authenticated with OAuth2 client credentials.
// base is the HTTP client used for both token and API calls.
func New(cfg config.PayPalConfig, base *http.Client, log *zap.Logger, opts ...transport.Option) (*Adapter, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, paymentdomain.ErrProviderNotConfigured
	}
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     baseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := cc.Client(tokenCtx)
	httpClient.Timeout = base.Timeout

	log = log.Named("payment.paypal")
	return &Adapter{
		client:    transport.New(paymentdomain.ProviderPayPal, baseURL, httpClient, log, opts...),
		webhookID: strings.TrimSpace(cfg.WebhookID),
		brandName: cfg.BrandName,
		log:       log,
	}, nil
}

func (a *Adapter) Type() paymentdomain.ProviderType {
	return paymentdomain.ProviderPayPal
}

func (a *Adapter) CreateOrder(ctx context.Context, req paymentdomain.OrderRequest) (*paymentdomain.Order, error) {
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	items := make([]orderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, orderItem{
			Name:       item.Name,
			SKU:        item.PriceID,
			Quantity:   strconv.FormatInt(item.Quantity, 10),
			UnitAmount: newMoney(item.UnitAmount, currency),
		})
	}
	total := newMoney(req.Amount, currency)
	body := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnitRequest{{
			ReferenceID: req.ReferenceID,
			CustomID:    req.UserID,
			Description: req.Description,
			Amount: amountWithBreakdown{
				money:     total,
				Breakdown: &breakdown{ItemTotal: total},
			},
			Items: items,
		}},
		ApplicationContext: &applicationContext{
			BrandName:          a.brandName,
			ReturnURL:          req.ReturnURL,
			CancelURL:          req.CancelURL,
			UserAction:         "PAY_NOW",
			ShippingPreference: "NO_SHIPPING",
		},
	}

	var out orderResponse
	if _, err := a.client.Do(ctx, transport.Request{
		Operation: "create_order",
		Method:    http.MethodPost,
		Path:      "/v2/checkout/orders",
		Body:      body,
		Header:    requestIDHeader("order-" + req.ReferenceID),
	}, &out); err != nil {
		return nil, err
	}
	return &paymentdomain.Order{
		ID:          out.ID,
		Status:      out.Status,
		Amount:      req.Amount,
		Currency:    currency,
		ApprovalURL: approvalLink(out.Links),
	}, nil
}

// CaptureOrder is idempotent per order: the request id is derived from the
// order id, and an already captured order is read back.
func (a *Adapter) CaptureOrder(ctx context.Context, orderID string) (*paymentdomain.Capture, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	var out orderResponse
	resp, err := a.client.Do(ctx, transport.Request{
		Operation: "capture_order",
		Method:    http.MethodPost,
		Path:      "/v2/checkout/orders/" + url.PathEscape(orderID) + "/capture",
		Body:      struct{}{},
		Header:    requestIDHeader("capture-" + orderID),
	}, &out)
	if err != nil {
		var gwErr *paymentdomain.GatewayError
		if !errors.As(err, &gwErr) || gwErr.StatusCode != http.StatusUnprocessableEntity ||
			resp == nil || !strings.Contains(string(resp.Body), "ORDER_ALREADY_CAPTURED") {
			return nil, err
		}
		out = orderResponse{}
		if _, err := a.client.Do(ctx, transport.Request{
			Operation: "get_order",
			Method:    http.MethodGet,
			Path:      "/v2/checkout/orders/" + url.PathEscape(orderID),
		}, &out); err != nil {
			return nil, err
		}
	}
	return out.capture()
}

func (a *Adapter) CreateSubscription(ctx context.Context, req paymentdomain.SubscriptionRequest) (*paymentdomain.Subscription, error) {
	body := createSubscriptionRequest{
		PlanID:   req.PlanID,
		CustomID: req.UserID,
		ApplicationContext: &applicationContext{
			BrandName:          a.brandName,
			ReturnURL:          req.ReturnURL,
			CancelURL:          req.CancelURL,
			UserAction:         "SUBSCRIBE_NOW",
			ShippingPreference: "NO_SHIPPING",
		},
	}
	if req.Email != "" || req.CustomerID != "" {
		body.Subscriber = &subscriber{EmailAddress: req.Email, PayerID: req.CustomerID}
	}

	var out subscriptionResource
	if _, err := a.client.Do(ctx, transport.Request{
		Operation: "create_subscription",
		Method:    http.MethodPost,
		Path:      "/v1/billing/subscriptions",
		Body:      body,
		Header:    requestIDHeader("subscription-" + req.ReferenceID),
	}, &out); err != nil {
		return nil, err
	}
	return out.normalize(), nil
}

func (a *Adapter) GetSubscription(ctx context.Context, subscriptionID string) (*paymentdomain.Subscription, error) {
	var out subscriptionResource
	if _, err := a.client.Do(ctx, transport.Request{
		Operation: "get_subscription",
		Method:    http.MethodGet,
		Path:      "/v1/billing/subscriptions/" + url.PathEscape(subscriptionID),
	}, &out); err != nil {
		return nil, err
	}
	return out.normalize(), nil
}

// UpdateSubscription revises the plan. PayPal applies the revision after the
// buyer approves it, so the returned subscription carries the approval link.
func (a *Adapter) UpdateSubscription(ctx context.Context, subscriptionID, planID string) (*paymentdomain.Subscription, error) {
	var revised struct {
		PlanID string `json:"plan_id"`
		Links  []link `json:"links"`
	}
	if _, err := a.client.Do(ctx, transport.Request{
		Operation: "revise_subscription",
		Method:    http.MethodPost,
		Path:      "/v1/billing/subscriptions/" + url.PathEscape(subscriptionID) + "/revise",
		Body:      map[string]string{"plan_id": planID},
	}, &revised); err != nil {
		return nil, err
	}

	sub, err := a.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	sub.ApprovalURL = approvalLink(revised.Links)
	return sub, nil
}

func (a *Adapter) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by customer"
	}
	_, err := a.client.Do(ctx, transport.Request{
		Operation: "cancel_subscription",
		Method:    http.MethodPost,
		Path:      "/v1/billing/subscriptions/" + url.PathEscape(subscriptionID) + "/cancel",
		Body:      map[string]string{"reason": reason},
	}, nil)
	return err
}

func (a *Adapter) RefundPayment(ctx context.Context, captureID string, req paymentdomain.RefundRequest) (*paymentdomain.Refund, error) {
	body := refundRequest{NoteToPayer: req.Reason}
	if req.Amount > 0 {
		amount := newMoney(req.Amount, req.Currency)
		body.Amount = &amount
	}
	var header http.Header
	if req.IdempotencyKey != "" {
		header = requestIDHeader(req.IdempotencyKey)
	}

	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount *money `json:"amount"`
	}
	if _, err := a.client.Do(ctx, transport.Request{
		Operation: "refund_capture",
		Method:    http.MethodPost,
		Path:      "/v2/payments/captures/" + url.PathEscape(captureID) + "/refund",
		Body:      body,
		Header:    header,
	}, &out); err != nil {
		return nil, err
	}

	refund := &paymentdomain.Refund{ID: out.ID, Status: out.Status, Amount: req.Amount, Currency: strings.ToUpper(req.Currency)}
	if out.Amount != nil {
		if units, err := paymentdomain.ParseMinor(out.Amount.Value, out.Amount.CurrencyCode); err == nil {
			refund.Amount = units
			refund.Currency = out.Amount.CurrencyCode
		}
	}
	return refund, nil
}

// VerifyWebhookSignature delegates to PayPal's verification endpoint.
func (a *Adapter) VerifyWebhookSignature(ctx context.Context, headers http.Header, payload []byte) (paymentdomain.WebhookVerification, error) {
	if a.webhookID == "" {
		return paymentdomain.WebhookVerification{Reason: "webhook id not configured"}, nil
	}
	req := verifyRequest{
		AuthAlgo:         strings.TrimSpace(headers.Get(headerAuthAlgo)),
		CertURL:          strings.TrimSpace(headers.Get(headerCertURL)),
		TransmissionID:   strings.TrimSpace(headers.Get(headerTransmissionID)),
		TransmissionSig:  strings.TrimSpace(headers.Get(headerTransmissionSig)),
		TransmissionTime: strings.TrimSpace(headers.Get(headerTransmissionTime)),
		WebhookID:        a.webhookID,
		WebhookEvent:     json.RawMessage(payload),
	}
	if req.AuthAlgo == "" || req.CertURL == "" || req.TransmissionID == "" || req.TransmissionSig == "" || req.TransmissionTime == "" {
		return paymentdomain.WebhookVerification{Reason: "missing transmission headers"}, nil
	}
	if !json.Valid(payload) {
		return paymentdomain.WebhookVerification{Reason: "payload is not json"}, nil
	}

	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if _, err := a.client.Do(ctx, transport.Request{
		Operation: "verify_webhook_signature",
		Method:    http.MethodPost,
		Path:      "/v1/notifications/verify-webhook-signature",
		Body:      req,
	}, &out); err != nil {
		return paymentdomain.WebhookVerification{Reason: "verification call failed"}, err
	}
	if !strings.EqualFold(out.VerificationStatus, "SUCCESS") {
		return paymentdomain.WebhookVerification{Reason: "verification status " + out.VerificationStatus}, nil
	}
	return paymentdomain.WebhookVerification{Verified: true}, nil
}

func (a *Adapter) DecodeWebhookEvent(headers http.Header, payload []byte) (*paymentdomain.WebhookEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(envelope.ID) == "" || strings.TrimSpace(envelope.EventType) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	event := &paymentdomain.WebhookEvent{
		Provider:     paymentdomain.ProviderPayPal,
		ID:           envelope.ID,
		Type:         envelope.EventType,
		ResourceType: envelope.ResourceType,
		OccurredAt:   parseTime(envelope.CreateTime),
		Payload:      payload,
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	switch {
	case strings.HasPrefix(envelope.EventType, "BILLING.SUBSCRIPTION."):
		var sub subscriptionResource
		if err := json.Unmarshal(envelope.Resource, &sub); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		if sub.ID == "" {
			return nil, paymentdomain.ErrInvalidEvent
		}
		event.Subscription = sub.normalize()
	case envelope.EventType == EventSaleCompleted:
		var sale saleResource
		if err := json.Unmarshal(envelope.Resource, &sale); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		if sale.BillingAgreementID != "" {
			event.Subscription = &paymentdomain.Subscription{
				ID:       sale.BillingAgreementID,
				UserID:   sale.CustomID,
				Currency: sale.Amount.Currency,
			}
		}
	case envelope.EventType == EventCaptureCompleted:
		var capture captureResource
		if err := json.Unmarshal(envelope.Resource, &capture); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
		normalized, err := capture.normalize("")
		if err != nil {
			return nil, err
		}
		event.Capture = normalized
	}
	return event, nil
}

func (a *Adapter) ProcessWebhookEvent(ctx context.Context, event *paymentdomain.WebhookEvent) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	switch event.Type {
	case EventSubscriptionCreated, EventSubscriptionActivated, EventSubscriptionUpdated,
		EventSubscriptionCancelled, EventSubscriptionExpired, EventSubscriptionSuspended,
		EventSaleCompleted, EventCaptureCompleted:
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
		fields = append(fields, zap.String("capture_id", event.Capture.CaptureID), zap.String("status", string(event.Capture.Status)))
	}
	a.log.Info("paypal webhook received", fields...)
	return nil
}

func requestIDHeader(id string) http.Header {
	header := http.Header{}
	header.Set(headerRequestID, id)
	return header
}

func approvalLink(links []link) string {
	for _, l := range links {
		switch l.Rel {
		case "approve", "payer-action":
			return l.Href
		}
	}
	return ""
}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func timePtr(value string) *time.Time {
	t := parseTime(value)
	if t.IsZero() {
		return nil
	}
	return &t
}

func normalizeCaptureStatus(status string) paymentdomain.CaptureStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED":
		return paymentdomain.CaptureCompleted
	case "DECLINED", "FAILED", "VOIDED":
		return paymentdomain.CaptureFailed
	default:
		return paymentdomain.CapturePending
	}
}

func (o orderResponse) capture() (*paymentdomain.Capture, error) {
	for _, unit := range o.PurchaseUnits {
		for _, c := range unit.Payments.Captures {
			capture, err := c.normalize(o.ID)
			if err != nil {
				return nil, err
			}
			capture.PayerID = o.Payer.PayerID
			return capture, nil
		}
	}
	return nil, fmt.Errorf("paypal capture_order: order %s has no captures: %w", o.ID, paymentdomain.ErrCaptureNotCompleted)
}

func (c captureResource) normalize(orderID string) (*paymentdomain.Capture, error) {
	amount, err := paymentdomain.ParseMinor(c.Amount.Value, c.Amount.CurrencyCode)
	if err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if orderID == "" {
		orderID = c.SupplementaryData.RelatedIDs.OrderID
	}
	return &paymentdomain.Capture{
		OrderID:    orderID,
		CaptureID:  c.ID,
		Status:     normalizeCaptureStatus(c.Status),
		Amount:     amount,
		Currency:   strings.ToUpper(c.Amount.CurrencyCode),
		CapturedAt: parseTime(c.CreateTime),
	}, nil
}

func (s subscriptionResource) normalize() *paymentdomain.Subscription {
	sub := &paymentdomain.Subscription{
		ID:          s.ID,
		PlanID:      s.PlanID,
		Status:      strings.ToLower(strings.TrimSpace(s.Status)),
		CustomerID:  s.Subscriber.PayerID,
		UserID:      s.CustomID,
		ApprovalURL: approvalLink(s.Links),
	}
	if s.BillingInfo != nil {
		sub.CurrentEnd = timePtr(s.BillingInfo.NextBillingTime)
		if s.BillingInfo.LastPayment != nil {
			sub.CurrentStart = timePtr(s.BillingInfo.LastPayment.Time)
			sub.Currency = strings.ToUpper(s.BillingInfo.LastPayment.Amount.CurrencyCode)
		}
	}
	if sub.CurrentStart == nil {
		sub.CurrentStart = timePtr(s.StartTime)
	}
	return sub
}
