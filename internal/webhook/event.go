package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Event types the receiver acts on. Anything else is acknowledged and ignored.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// Event is a verified provider event. Object holds the raw event data object.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Object  json.RawMessage
}

// expandable decodes a provider reference that is either an id string or an
// expanded object carrying an "id".
type expandable string

func (e *expandable) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandable(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type invoiceObject struct {
	ID            string            `json:"id"`
	Customer      expandable        `json:"customer"`
	CustomerEmail string            `json:"customer_email"`
	Subscription  expandable        `json:"subscription"`
	AmountDue     int64             `json:"amount_due"`
	Currency      string            `json:"currency"`
	AttemptCount  int               `json:"attempt_count"`
	Metadata      map[string]string `json:"metadata"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandable        `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// subscriptionID prefers the parent details newer API versions send.
func (o invoiceObject) subscriptionID() string {
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil && o.Parent.SubscriptionDetails.Subscription != "" {
		return string(o.Parent.SubscriptionDetails.Subscription)
	}
	return string(o.Subscription)
}

func (o invoiceObject) metadata(key string) string {
	if v := o.Metadata[key]; v != "" {
		return v
	}
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil {
		return o.Parent.SubscriptionDetails.Metadata[key]
	}
	return ""
}

func (o invoiceObject) failureReason() string {
	if o.LastPaymentError != nil && o.LastPaymentError.Message != "" {
		return o.LastPaymentError.Message
	}
	if o.LastFinalizationError != nil && o.LastFinalizationError.Message != "" {
		return o.LastFinalizationError.Message
	}
	return "Payment failed"
}

type checkoutObject struct {
	ID                string            `json:"id"`
	Customer          expandable        `json:"customer"`
	Subscription      expandable        `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	CustomerEmail     string            `json:"customer_email"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

func (o checkoutObject) email() string {
	if o.CustomerDetails != nil && o.CustomerDetails.Email != "" {
		return o.CustomerDetails.Email
	}
	return o.CustomerEmail
}

func (o checkoutObject) userID() string {
	if o.ClientReferenceID != "" {
		return o.ClientReferenceID
	}
	return o.Metadata["userId"]
}

type subscriptionObject struct {
	ID       string            `json:"id"`
	Customer expandable        `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			Price struct {
				LookupKey string `json:"lookup_key"`
				Nickname  string `json:"nickname"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (o subscriptionObject) plan() string {
	if p := o.Metadata["plan"]; p != "" {
		return p
	}
	for _, it := range o.Items.Data {
		if it.Price.LookupKey != "" {
			return it.Price.LookupKey
		}
		if it.Price.Nickname != "" {
			return it.Price.Nickname
		}
	}
	return ""
}
