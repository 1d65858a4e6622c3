package paypal

import (
	"encoding/json"
	"strings"

	paymentdomain "github.com/smallbiznis/pagebill/internal/payment/domain"
)

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

func newMoney(amount int64, currency string) money {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	return money{CurrencyCode: currency, Value: paymentdomain.FormatMinor(amount, currency)}
}

type link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

type applicationContext struct {
	BrandName          string `json:"brand_name,omitempty"`
	ReturnURL          string `json:"return_url,omitempty"`
	CancelURL          string `json:"cancel_url,omitempty"`
	UserAction         string `json:"user_action,omitempty"`
	ShippingPreference string `json:"shipping_preference,omitempty"`
}

type breakdown struct {
	ItemTotal money `json:"item_total"`
}

type amountWithBreakdown struct {
	money
	Breakdown *breakdown `json:"breakdown,omitempty"`
}

type orderItem struct {
	Name       string `json:"name"`
	SKU        string `json:"sku,omitempty"`
	Quantity   string `json:"quantity"`
	UnitAmount money  `json:"unit_amount"`
}

type purchaseUnitRequest struct {
	ReferenceID string              `json:"reference_id,omitempty"`
	CustomID    string              `json:"custom_id,omitempty"`
	Description string              `json:"description,omitempty"`
	Amount      amountWithBreakdown `json:"amount"`
	Items       []orderItem         `json:"items,omitempty"`
}

type createOrderRequest struct {
	Intent             string                `json:"intent"`
	PurchaseUnits      []purchaseUnitRequest `json:"purchase_units"`
	ApplicationContext *applicationContext   `json:"application_context,omitempty"`
}

type captureResource struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	Amount            money  `json:"amount"`
	CreateTime        string `json:"create_time"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []link `json:"links"`
	Payer  struct {
		PayerID string `json:"payer_id"`
	} `json:"payer"`
	PurchaseUnits []struct {
		ReferenceID string `json:"reference_id"`
		Payments    struct {
			Captures []captureResource `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type subscriber struct {
	EmailAddress string `json:"email_address,omitempty"`
	PayerID      string `json:"payer_id,omitempty"`
}

type createSubscriptionRequest struct {
	PlanID             string              `json:"plan_id"`
	CustomID           string              `json:"custom_id,omitempty"`
	Subscriber         *subscriber         `json:"subscriber,omitempty"`
	ApplicationContext *applicationContext `json:"application_context,omitempty"`
}

type subscriptionResource struct {
	ID          string     `json:"id"`
	PlanID      string     `json:"plan_id"`
	Status      string     `json:"status"`
	CustomID    string     `json:"custom_id"`
	StartTime   string     `json:"start_time"`
	Subscriber  subscriber `json:"subscriber"`
	BillingInfo *struct {
		NextBillingTime string `json:"next_billing_time"`
		LastPayment     *struct {
			Amount money  `json:"amount"`
			Time   string `json:"time"`
		} `json:"last_payment"`
	} `json:"billing_info"`
	Links []link `json:"links"`
}

type saleResource struct {
	ID                 string `json:"id"`
	State              string `json:"state"`
	BillingAgreementID string `json:"billing_agreement_id"`
	CustomID           string `json:"custom"`
	Amount             struct {
		Total    string `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

type refundRequest struct {
	Amount      *money `json:"amount,omitempty"`
	NoteToPayer string `json:"note_to_payer,omitempty"`
}

type verifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

type webhookEnvelope struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	CreateTime   string          `json:"create_time"`
	Resource     json.RawMessage `json:"resource"`
}
