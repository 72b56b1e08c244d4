package retry

import (
	"context"
	"fmt"
	"strings"

	"payretry/internal/billing"

	"go.uber.org/zap"
)

type Scheduler struct {
	queue   Queue
	backoff Backoff
	log     *zap.Logger
}

func NewScheduler(q Queue, b Backoff, log *zap.Logger) *Scheduler {
	return &Scheduler{queue: q, backoff: b, log: log.Named("scheduler")}
}

func (s *Scheduler) Backoff() Backoff { return s.backoff }

// QueueRetry enqueues job with the delay for its attempt number and returns
// the queue message id. Callers increment AttemptNumber before re-enqueueing.
func (s *Scheduler) QueueRetry(ctx context.Context, job billing.RetryJob) (string, error) {
	if strings.TrimSpace(job.InvoiceID) == "" {
		return "", fmt.Errorf("queue retry: missing invoice id")
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = billing.DefaultMaxAttempts
	}
	if job.AttemptNumber < 1 || job.AttemptNumber > job.MaxAttempts {
		return "", fmt.Errorf("queue retry for %s: %w (%d of %d)", job.InvoiceID, ErrAttemptOutOfRange, job.AttemptNumber, job.MaxAttempts)
	}

	delay := s.backoff.Delay(job.AttemptNumber)
	id, err := s.queue.Enqueue(ctx, job, delay)
	if err != nil {
		return "", fmt.Errorf("queue retry for %s: %w", job.InvoiceID, err)
	}

	s.log.Info("retry scheduled",
		zap.String("invoice_id", job.InvoiceID),
		zap.String("user_id", job.UserID),
		zap.Int("attempt", job.AttemptNumber),
		zap.Duration("delay", delay),
		zap.String("message_id", id),
	)
	return id, nil
}
