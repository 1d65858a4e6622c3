package webhook

import (
	"github.com/smallbiznis/pagebill/internal/payment/adapters/paypal"
	"github.com/smallbiznis/pagebill/internal/payment/adapters/razorpay"
	paymentdomain "github.com/smallbiznis/pagebill/internal/payment/domain"
)

// Action is the internal name for what a gateway event means to us.
type Action string

const (
	ActionCustomerCreated       Action = "customer_created"
	ActionSubscriptionCreated   Action = "subscription_created"
	ActionSubscriptionChanged   Action = "subscription_changed"
	ActionSubscriptionRenewed   Action = "subscription_renewed"
	ActionSubscriptionCancelled Action = "subscription_cancelled"
)

var actionsByProvider = map[paymentdomain.ProviderType]map[string]Action{
	paymentdomain.ProviderPayPal: {
		paypal.EventSubscriptionCreated:   ActionSubscriptionCreated,
		paypal.EventSubscriptionActivated: ActionSubscriptionCreated,
		paypal.EventSubscriptionUpdated:   ActionSubscriptionChanged,
		paypal.EventSaleCompleted:         ActionSubscriptionRenewed,
		paypal.EventSubscriptionCancelled: ActionSubscriptionCancelled,
		paypal.EventSubscriptionExpired:   ActionSubscriptionCancelled,
		paypal.EventSubscriptionSuspended: ActionSubscriptionCancelled,
	},
	paymentdomain.ProviderRazorpay: {
		razorpay.EventSubscriptionAuthenticated: ActionSubscriptionCreated,
		razorpay.EventSubscriptionActivated:     ActionSubscriptionCreated,
		razorpay.EventSubscriptionUpdated:       ActionSubscriptionChanged,
		razorpay.EventSubscriptionCharged:       ActionSubscriptionRenewed,
		razorpay.EventSubscriptionCancelled:     ActionSubscriptionCancelled,
		razorpay.EventSubscriptionCompleted:     ActionSubscriptionCancelled,
		razorpay.EventSubscriptionHalted:        ActionSubscriptionCancelled,
	},
}

// Classify maps a gateway event type to an action. CustomerCreated is never
// returned here; it is derived from any subscription event naming a customer.
func Classify(provider paymentdomain.ProviderType, eventType string) (Action, bool) {
	action, ok := actionsByProvider[provider][eventType]
	return action, ok
}
