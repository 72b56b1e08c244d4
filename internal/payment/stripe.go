package payment

import (
	"context"
	"fmt"

	"payretry/internal/retry"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"
)

// StripeProvider settles invoices through the Stripe API.
type StripeProvider struct {
	api *client.API
	log *zap.Logger
}

func NewStripeProvider(secretKey string, log *zap.Logger) *StripeProvider {
	return newStripeProvider(client.New(secretKey, nil), log)
}

func newStripeProvider(api *client.API, log *zap.Logger) *StripeProvider {
	return &StripeProvider{api: api, log: log.Named("stripe")}
}

// PayInvoice reads the invoice first so a paid invoice is reported as paid
// without a second charge.
func (p *StripeProvider) PayInvoice(ctx context.Context, invoiceID string) (retry.ChargeResult, error) {
	getParams := &stripe.InvoiceParams{}
	getParams.Context = ctx
	inv, err := p.api.Invoices.Get(invoiceID, getParams)
	if err != nil {
		return retry.ChargeResult{FailureReason: Describe(err), Transient: IsRetryable(err)}, fmt.Errorf("get invoice %s: %w", invoiceID, err)
	}

	switch inv.Status {
	case stripe.InvoiceStatusPaid:
		p.log.Info("invoice already paid", zap.String("invoice_id", invoiceID))
		return retry.ChargeResult{Paid: true, Status: string(inv.Status)}, nil
	case stripe.InvoiceStatusVoid, stripe.InvoiceStatusUncollectible:
		return retry.ChargeResult{
			Status:        string(inv.Status),
			FailureReason: "invoice is " + string(inv.Status),
			Terminal:      true,
		}, nil
	}

	payParams := &stripe.InvoicePayParams{}
	payParams.Context = ctx
	paid, err := p.api.Invoices.Pay(invoiceID, payParams)
	if err != nil {
		return retry.ChargeResult{
			Status:        string(inv.Status),
			FailureReason: Describe(err),
			Transient:     IsRetryable(err),
		}, fmt.Errorf("pay invoice %s: %w", invoiceID, err)
	}
	return retry.ChargeResult{
		Paid:   paid.Status == stripe.InvoiceStatusPaid,
		Status: string(paid.Status),
	}, nil
}
