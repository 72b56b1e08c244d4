package payment

import (
	"encoding/json"
	"fmt"
	"time"

	"payretry/internal/webhook"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

// SignatureVerifier checks Stripe-Signature headers against the endpoint secret.
type SignatureVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewSignatureVerifier uses the SDK's default timestamp tolerance when tolerance is zero.
func NewSignatureVerifier(secret string, tolerance time.Duration) *SignatureVerifier {
	if tolerance <= 0 {
		tolerance = stripewebhook.DefaultTolerance
	}
	return &SignatureVerifier{secret: secret, tolerance: tolerance}
}

func (v *SignatureVerifier) Verify(payload []byte, signature string) (webhook.Event, error) {
	ev, err := stripewebhook.ConstructEventWithOptions(payload, signature, v.secret, stripewebhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return webhook.Event{}, fmt.Errorf("%w: %v", webhook.ErrInvalidSignature, err)
	}

	out := webhook.Event{
		ID:   ev.ID,
		Type: string(ev.Type),
	}
	if ev.Created > 0 {
		out.Created = time.Unix(ev.Created, 0).UTC()
	}
	if ev.Data != nil {
		out.Object = json.RawMessage(ev.Data.Raw)
	}
	return out, nil
}
