package billing

import "time"

// Dead-letter reasons.
const (
	// DeadLetterReason is recorded when a job runs out of attempts.
	DeadLetterReason = "Max retry attempts exceeded"
	// DeadLetterInvoiceClosed is recorded when the provider voided the invoice
	// or marked it uncollectible.
	DeadLetterInvoiceClosed = "Invoice closed at payment provider"
	// DeadLetterUndecodable is recorded for queue messages whose body cannot be read.
	DeadLetterUndecodable = "Undecodable retry message"
)

// AlertRetryExhausted is the admin alert type sent when a job is dead-lettered.
const AlertRetryExhausted = "payment_retry_exhausted"

// DefaultMaxAttempts is the retry ceiling when none is configured.
const DefaultMaxAttempts = 3

// RetryJob is the payload carried on the retry queue.
// AttemptNumber counts failed charges for the invoice, starting at 1.
type RetryJob struct {
	UserID         string    `json:"userId"`
	UserEmail      string    `json:"userEmail"`
	CustomerID     string    `json:"customerId"`
	SubscriptionID string    `json:"subscriptionId"`
	InvoiceID      string    `json:"invoiceId"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency,omitempty"`
	Plan           string    `json:"plan"`
	FailureReason  string    `json:"failureReason"`
	AttemptNumber  int       `json:"attemptNumber"`
	MaxAttempts    int       `json:"maxAttempts"`
	Timestamp      time.Time `json:"timestamp"`
	FailureHistory []string  `json:"failureHistory,omitempty"`
}

// Record converts the job into the record published to notification topics.
func (j RetryJob) Record(occurredAt time.Time) PaymentRecord {
	return PaymentRecord{
		UserID:         j.UserID,
		UserEmail:      j.UserEmail,
		CustomerID:     j.CustomerID,
		SubscriptionID: j.SubscriptionID,
		InvoiceID:      j.InvoiceID,
		Amount:         j.Amount,
		Currency:       j.Currency,
		Plan:           j.Plan,
		FailureReason:  j.FailureReason,
		AttemptNumber:  j.AttemptNumber,
		OccurredAt:     occurredAt,
	}
}

// DeadLetter is a job that exhausted its retries. Stored once per invoice.
type DeadLetter struct {
	RetryJob
	MovedToDLQ time.Time `json:"movedToDLQ"`
	Reason     string    `json:"reason"`
}

// PaymentRecord describes a payment failure or success for downstream consumers.
type PaymentRecord struct {
	UserID         string    `json:"userId"`
	UserEmail      string    `json:"userEmail"`
	CustomerID     string    `json:"customerId"`
	SubscriptionID string    `json:"subscriptionId"`
	InvoiceID      string    `json:"invoiceId"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency,omitempty"`
	Plan           string    `json:"plan,omitempty"`
	FailureReason  string    `json:"failureReason,omitempty"`
	AttemptNumber  int       `json:"attemptNumber,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Job builds the first retry job for a failed payment.
func (r PaymentRecord) Job(maxAttempts int) RetryJob {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return RetryJob{
		UserID:         r.UserID,
		UserEmail:      r.UserEmail,
		CustomerID:     r.CustomerID,
		SubscriptionID: r.SubscriptionID,
		InvoiceID:      r.InvoiceID,
		Amount:         r.Amount,
		Currency:       r.Currency,
		Plan:           r.Plan,
		FailureReason:  r.FailureReason,
		AttemptNumber:  1,
		MaxAttempts:    maxAttempts,
		Timestamp:      r.OccurredAt,
		FailureHistory: []string{r.FailureReason},
	}
}

// AdminAlert is published when a payment needs a human.
type AdminAlert struct {
	Type      string  `json:"type"`
	UserID    string  `json:"userId"`
	UserEmail string  `json:"userEmail"`
	Amount    float64 `json:"amount"`
	Attempts  int     `json:"attempts"`
}

// SubscriptionRecord is published when a subscription changes state.
type SubscriptionRecord struct {
	UserID         string    `json:"userId"`
	UserEmail      string    `json:"userEmail"`
	CustomerID     string    `json:"customerId"`
	SubscriptionID string    `json:"subscriptionId"`
	Plan           string    `json:"plan,omitempty"`
	Status         string    `json:"status"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Subscription statuses written by the pipeline.
const (
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)
