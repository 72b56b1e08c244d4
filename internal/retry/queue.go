package retry

import (
	"context"
	"errors"
	"time"

	"payretry/internal/billing"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrStaleReceipt      = errors.New("stale receipt")
	ErrAttemptOutOfRange = errors.New("attempt number out of range")
)

// Delivery is a received queue message. Receipt identifies this particular
// receive and is required to delete the message.
type Delivery struct {
	MessageID    string
	Receipt      string
	ReceiveCount int
	Job          billing.RetryJob
}

// Queue is the active retry queue.
//
// Enqueue must be idempotent per invoice: when a message for the same invoice
// with an equal or higher attempt number is already queued, its id is returned
// and nothing is added.
type Queue interface {
	Enqueue(ctx context.Context, job billing.RetryJob, delay time.Duration) (string, error)
	Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)
	Delete(ctx context.Context, d Delivery) error
}

// Inspector reads queue state without claiming messages.
type Inspector interface {
	Pending(ctx context.Context, limit int) ([]PendingMessage, error)
	// Queued reports whether any message for the invoice is queued, visible or not.
	Queued(ctx context.Context, invoiceID string) (bool, error)
}

type PendingMessage struct {
	MessageID string           `json:"messageId"`
	VisibleAt time.Time        `json:"visibleAt"`
	Receives  int              `json:"receives"`
	Job       billing.RetryJob `json:"job"`
}

// DeadLetterStore is keyed by invoice id. Put reports whether a new entry was written.
type DeadLetterStore interface {
	Put(ctx context.Context, entry billing.DeadLetter) (bool, error)
	Has(ctx context.Context, invoiceID string) (bool, error)
	Get(ctx context.Context, invoiceID string) (billing.DeadLetter, error)
	List(ctx context.Context, limit, offset int) ([]billing.DeadLetter, error)
}
