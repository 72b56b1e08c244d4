package email

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Message is one outbound email.
type Message struct {
	ToName  string
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// PaymentFailed is rendered after every failed charge. Final marks the last one.
type PaymentFailed struct {
	To          string
	InvoiceID   string
	Amount      float64
	Currency    string
	Plan        string
	Reason      string
	Attempt     int
	MaxAttempts int
	NextRetryAt time.Time
	Final       bool
}

type PaymentSucceeded struct {
	To        string
	InvoiceID string
	Amount    float64
	Currency  string
	Plan      string
}

// Service renders and sends user-facing payment emails.
// Delivery failures are logged and never returned.
type Service struct {
	sender  Sender
	appURL  string
	product string
	log     *zap.Logger
}

func NewService(sender Sender, appURL, product string, log *zap.Logger) *Service {
	if product == "" {
		product = "your subscription"
	}
	return &Service{
		sender:  sender,
		appURL:  strings.TrimRight(appURL, "/"),
		product: product,
		log:     log.Named("email"),
	}
}

func (s *Service) SendPaymentFailedEmail(ctx context.Context, msg PaymentFailed) {
	if strings.TrimSpace(msg.To) == "" {
		s.log.Warn("payment failed email skipped: no recipient", zap.String("invoice_id", msg.InvoiceID))
		return
	}
	m := s.renderFailed(msg)
	if err := s.sender.Send(ctx, m); err != nil {
		s.log.Error("payment failed email not sent",
			zap.String("invoice_id", msg.InvoiceID),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err),
		)
		return
	}
	s.log.Info("payment failed email sent", zap.String("invoice_id", msg.InvoiceID), zap.Int("attempt", msg.Attempt))
}

func (s *Service) SendPaymentSuccessEmail(ctx context.Context, msg PaymentSucceeded) {
	if strings.TrimSpace(msg.To) == "" {
		s.log.Warn("payment success email skipped: no recipient", zap.String("invoice_id", msg.InvoiceID))
		return
	}
	if err := s.sender.Send(ctx, s.renderSucceeded(msg)); err != nil {
		s.log.Error("payment success email not sent", zap.String("invoice_id", msg.InvoiceID), zap.Error(err))
		return
	}
	s.log.Info("payment success email sent", zap.String("invoice_id", msg.InvoiceID))
}

func (s *Service) renderFailed(msg PaymentFailed) Message {
	amount := FormatAmount(msg.Amount, msg.Currency)
	plan := msg.Plan
	if plan == "" {
		plan = s.product
	}
	billingURL := s.appURL + "/billing"

	var next string
	subject := "Payment failed for " + plan
	if msg.Final {
		subject = "Action required: payment for " + plan + " could not be collected"
		next = "We have stopped retrying automatically. Please update your payment method to keep your subscription active."
	} else if !msg.NextRetryAt.IsZero() {
		next = fmt.Sprintf("We will retry automatically on %s (attempt %d of %d).",
			msg.NextRetryAt.UTC().Format("Jan 2, 2006 15:04 MST"), msg.Attempt+1, msg.MaxAttempts)
	} else {
		next = "We will retry automatically shortly."
	}

	reason := msg.Reason
	if reason == "" {
		reason = "the payment was declined"
	}

	text := fmt.Sprintf(
		"We could not collect %s for %s (invoice %s).\nReason: %s\n\n%s\n\nUpdate your payment method: %s\n",
		amount, plan, msg.InvoiceID, reason, next, billingURL,
	)
	body := fmt.Sprintf(`<p>We could not collect <strong>%s</strong> for %s (invoice %s).</p>
<p>Reason: %s</p>
<p>%s</p>
<p><a href="%s">Update your payment method</a></p>`,
		amount, html.EscapeString(plan), html.EscapeString(msg.InvoiceID), html.EscapeString(reason), next, billingURL,
	)
	return Message{To: msg.To, Subject: subject, Text: text, HTML: body}
}

func (s *Service) renderSucceeded(msg PaymentSucceeded) Message {
	amount := FormatAmount(msg.Amount, msg.Currency)
	plan := msg.Plan
	if plan == "" {
		plan = s.product
	}
	text := fmt.Sprintf("Your payment of %s for %s went through (invoice %s). Thank you!\n", amount, plan, msg.InvoiceID)
	body := fmt.Sprintf(`<p>Your payment of <strong>%s</strong> for %s went through (invoice %s).</p><p>Thank you!</p>`,
		amount, html.EscapeString(plan), html.EscapeString(msg.InvoiceID))
	return Message{To: msg.To, Subject: "Payment received for " + plan, Text: text, HTML: body}
}

// FormatAmount renders a major-unit amount with its ISO currency code.
func FormatAmount(amount float64, currency string) string {
	if currency == "" {
		currency = "usd"
	}
	return fmt.Sprintf("%.2f %s", amount, strings.ToUpper(currency))
}
