package razorpay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// notes decodes Razorpay's notes field, which is an empty array when unset.
type notes map[string]string

func (n *notes) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		*n = nil
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(notes, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	*n = out
	return nil
}

type orderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt,omitempty"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type orderEntity struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Receipt  string `json:"receipt"`
}

type paymentEntity struct {
	ID         string `json:"id"`
	OrderID    string `json:"order_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Status     string `json:"status"`
	Captured   bool   `json:"captured"`
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`
	CreatedAt  int64  `json:"created_at"`
	Notes      notes  `json:"notes"`
}

type paymentCollection struct {
	Count int             `json:"count"`
	Items []paymentEntity `json:"items"`
}

type subscriptionRequest struct {
	PlanID         string            `json:"plan_id"`
	CustomerID     string            `json:"customer_id,omitempty"`
	TotalCount     int               `json:"total_count"`
	CustomerNotify int               `json:"customer_notify"`
	Notes          map[string]string `json:"notes,omitempty"`
}

type subscriptionEntity struct {
	ID           string `json:"id"`
	PlanID       string `json:"plan_id"`
	Status       string `json:"status"`
	CustomerID   string `json:"customer_id"`
	CurrentStart *int64 `json:"current_start"`
	CurrentEnd   *int64 `json:"current_end"`
	ShortURL     string `json:"short_url"`
	Notes        notes  `json:"notes"`
}

type updateSubscriptionRequest struct {
	PlanID           string `json:"plan_id"`
	ScheduleChangeAt string `json:"schedule_change_at"`
}

type refundRequest struct {
	Amount  int64             `json:"amount,omitempty"`
	Receipt string            `json:"receipt,omitempty"`
	Notes   map[string]string `json:"notes,omitempty"`
}

type refundEntity struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type webhookEnvelope struct {
	Entity    string `json:"entity"`
	AccountID string `json:"account_id"`
	Event     string `json:"event"`
	Payload   struct {
		Subscription *struct {
			Entity subscriptionEntity `json:"entity"`
		} `json:"subscription"`
		Payment *struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at"`
}
