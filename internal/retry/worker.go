package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payretry/internal/billing"
	"payretry/internal/email"

	"go.uber.org/zap"
)

// ChargeResult is the outcome of asking the payment provider to settle an invoice.
type ChargeResult struct {
	Paid          bool
	Status        string
	FailureReason string
	// Transient marks failures expected to clear without customer action.
	Transient bool
	// Terminal marks invoices the provider will never collect.
	Terminal bool
}

type PaymentProvider interface {
	PayInvoice(ctx context.Context, invoiceID string) (ChargeResult, error)
}

// Notifier publishes pipeline transitions. Implementations never fail the caller.
type Notifier interface {
	NotifyPaymentFailed(ctx context.Context, rec billing.PaymentRecord)
	NotifyPaymentSuccess(ctx context.Context, rec billing.PaymentRecord)
	SendAdminAlert(ctx context.Context, alert billing.AdminAlert)
}

type Mailer interface {
	SendPaymentFailedEmail(ctx context.Context, msg email.PaymentFailed)
	SendPaymentSuccessEmail(ctx context.Context, msg email.PaymentSucceeded)
}

type SubscriptionStatusWriter interface {
	SetStatus(ctx context.Context, customerID, subscriptionID, status string) error
}

type Dependencies struct {
	Queue         Queue
	DeadLetters   DeadLetterStore
	Scheduler     *Scheduler
	Payments      PaymentProvider
	Notifier      Notifier
	Mailer        Mailer
	Subscriptions SubscriptionStatusWriter
	Log           *zap.Logger
}

type WorkerConfig struct {
	ID          string
	BatchSize   int
	WaitTime    time.Duration
	Interval    time.Duration
	MaxAttempts int
}

// BatchResult counts what one ProcessRetries call did.
type BatchResult struct {
	Received     int
	Paid         int
	Rescheduled  int
	DeadLettered int
	Skipped      int
	Failed       int
}

type outcome int

const (
	outcomePaid outcome = iota
	outcomeRescheduled
	outcomeDeadLettered
	outcomeSkipped
)

type Worker struct {
	cfg           WorkerConfig
	queue         Queue
	deadLetters   DeadLetterStore
	scheduler     *Scheduler
	payments      PaymentProvider
	notifier      Notifier
	mailer        Mailer
	subscriptions SubscriptionStatusWriter
	log           *zap.Logger
	nowFn         func() time.Time
}

func NewWorker(cfg WorkerConfig, deps Dependencies) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-1"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchSize > 10 {
		cfg.BatchSize = 10
	}
	if cfg.WaitTime < 0 {
		cfg.WaitTime = 0
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 800 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = billing.DefaultMaxAttempts
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		cfg:           cfg,
		queue:         deps.Queue,
		deadLetters:   deps.DeadLetters,
		scheduler:     deps.Scheduler,
		payments:      deps.Payments,
		notifier:      deps.Notifier,
		mailer:        deps.Mailer,
		subscriptions: deps.Subscriptions,
		log:           log.Named("worker").With(zap.String("worker_id", cfg.ID)),
		nowFn:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for job timestamps.
func (w *Worker) SetClock(now func() time.Time) { w.nowFn = now }

// Run polls until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("retry worker started",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Duration("wait_time", w.cfg.WaitTime),
	)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		res, err := w.ProcessRetries(ctx)
		if ctx.Err() != nil {
			w.log.Info("retry worker stopped")
			return nil
		}
		if err != nil {
			w.log.Error("retry poll failed", zap.Error(err))
		}
		if err == nil && res.Received > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			w.log.Info("retry worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessRetries receives one batch of due jobs and handles each in order.
// A failing job is logged and left on the queue; it never aborts the batch.
func (w *Worker) ProcessRetries(ctx context.Context) (BatchResult, error) {
	deliveries, err := w.queue.Receive(ctx, w.cfg.BatchSize, w.cfg.WaitTime)
	if err != nil {
		return BatchResult{}, fmt.Errorf("receive retries: %w", err)
	}

	res := BatchResult{Received: len(deliveries)}
	for _, d := range deliveries {
		out, err := w.handleSafely(ctx, d)
		if err != nil {
			res.Failed++
			w.log.Error("retry job failed, left on queue",
				append(jobFields(d.Job), zap.String("message_id", d.MessageID), zap.Error(err))...,
			)
			continue
		}
		switch out {
		case outcomePaid:
			res.Paid++
		case outcomeRescheduled:
			res.Rescheduled++
		case outcomeDeadLettered:
			res.DeadLettered++
		case outcomeSkipped:
			res.Skipped++
		}
	}
	return res, nil
}

func (w *Worker) handleSafely(ctx context.Context, d Delivery) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.handle(ctx, d)
}

func (w *Worker) handle(ctx context.Context, d Delivery) (outcome, error) {
	job := d.Job
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = w.cfg.MaxAttempts
	}

	// an earlier delivery reached the dead-letter store but not the delete
	dead, err := w.deadLetters.Has(ctx, job.InvoiceID)
	if err != nil {
		return 0, fmt.Errorf("check dead letters: %w", err)
	}
	if dead {
		if err := w.queue.Delete(ctx, d); err != nil {
			return 0, fmt.Errorf("delete dead-lettered message: %w", err)
		}
		w.log.Info("message already dead-lettered, removed", jobFields(job)...)
		return outcomeSkipped, nil
	}

	if job.AttemptNumber >= job.MaxAttempts {
		w.log.Warn("message already at attempt ceiling, not charged", jobFields(job)...)
		job.Timestamp = w.nowFn()
		return outcomeDeadLettered, w.exhaust(ctx, d, job, billing.DeadLetterReason)
	}

	result, chargeErr := w.payments.PayInvoice(ctx, job.InvoiceID)
	if chargeErr == nil && result.Paid {
		return outcomePaid, w.complete(ctx, d, job)
	}

	reason := failureReason(result, chargeErr)
	w.log.Warn("retry charge failed",
		append(jobFields(job),
			zap.String("reason", reason),
			zap.Bool("transient", result.Transient),
			zap.Error(chargeErr),
		)...,
	)

	now := w.nowFn()
	failed := job.AttemptNumber + 1
	job.FailureReason = reason
	job.FailureHistory = append(job.FailureHistory, reason)
	job.Timestamp = now
	job.AttemptNumber = failed

	if result.Terminal {
		return outcomeDeadLettered, w.exhaust(ctx, d, job, billing.DeadLetterInvoiceClosed)
	}
	if failed < job.MaxAttempts {
		return outcomeRescheduled, w.reschedule(ctx, d, job)
	}
	return outcomeDeadLettered, w.exhaust(ctx, d, job, billing.DeadLetterReason)
}

func (w *Worker) complete(ctx context.Context, d Delivery, job billing.RetryJob) error {
	if err := w.queue.Delete(ctx, d); err != nil {
		return fmt.Errorf("delete paid message: %w", err)
	}
	now := w.nowFn()
	w.log.Info("retry charge succeeded", jobFields(job)...)

	w.notifier.NotifyPaymentSuccess(ctx, job.Record(now))
	w.mailer.SendPaymentSuccessEmail(ctx, email.PaymentSucceeded{
		To:        job.UserEmail,
		InvoiceID: job.InvoiceID,
		Amount:    job.Amount,
		Currency:  job.Currency,
		Plan:      job.Plan,
	})
	if w.subscriptions != nil {
		if err := w.subscriptions.SetStatus(ctx, job.CustomerID, job.SubscriptionID, billing.SubscriptionActive); err != nil {
			w.log.Warn("could not mark subscription active", append(jobFields(job), zap.Error(err))...)
		}
	}
	return nil
}

func (w *Worker) reschedule(ctx context.Context, d Delivery, job billing.RetryJob) error {
	if _, err := w.scheduler.QueueRetry(ctx, job); err != nil {
		return err
	}
	now := w.nowFn()

	w.notifier.NotifyPaymentFailed(ctx, job.Record(now))
	w.mailer.SendPaymentFailedEmail(ctx, email.PaymentFailed{
		To:          job.UserEmail,
		InvoiceID:   job.InvoiceID,
		Amount:      job.Amount,
		Currency:    job.Currency,
		Plan:        job.Plan,
		Reason:      job.FailureReason,
		Attempt:     job.AttemptNumber,
		MaxAttempts: job.MaxAttempts,
		NextRetryAt: now.Add(w.scheduler.Backoff().Delay(job.AttemptNumber)),
	})

	if err := w.queue.Delete(ctx, d); err != nil {
		return fmt.Errorf("delete rescheduled message: %w", err)
	}
	return nil
}

func (w *Worker) exhaust(ctx context.Context, d Delivery, job billing.RetryJob, reason string) error {
	now := w.nowFn()
	created, err := w.deadLetters.Put(ctx, billing.DeadLetter{
		RetryJob:   job,
		MovedToDLQ: now,
		Reason:     reason,
	})
	if err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}

	if created {
		w.log.Warn("moved to dead letter", append(jobFields(job), zap.String("dead_letter_reason", reason))...)
		w.notifier.SendAdminAlert(ctx, billing.AdminAlert{
			Type:      billing.AlertRetryExhausted,
			UserID:    job.UserID,
			UserEmail: job.UserEmail,
			Amount:    job.Amount,
			Attempts:  job.AttemptNumber,
		})
		w.mailer.SendPaymentFailedEmail(ctx, email.PaymentFailed{
			To:          job.UserEmail,
			InvoiceID:   job.InvoiceID,
			Amount:      job.Amount,
			Currency:    job.Currency,
			Plan:        job.Plan,
			Reason:      job.FailureReason,
			Attempt:     job.AttemptNumber,
			MaxAttempts: job.MaxAttempts,
			Final:       true,
		})
	}

	if err := w.queue.Delete(ctx, d); err != nil {
		return fmt.Errorf("delete dead-lettered message: %w", err)
	}
	return nil
}

func failureReason(res ChargeResult, err error) string {
	if res.FailureReason != "" {
		return res.FailureReason
	}
	if err != nil {
		var timeout interface{ Timeout() bool }
		if errors.As(err, &timeout) && timeout.Timeout() {
			return "payment provider timed out"
		}
		return err.Error()
	}
	if res.Status != "" {
		return "invoice status " + res.Status
	}
	return "payment failed"
}

func jobFields(job billing.RetryJob) []zap.Field {
	return []zap.Field{
		zap.String("user_id", job.UserID),
		zap.String("invoice_id", job.InvoiceID),
		zap.String("customer_id", job.CustomerID),
		zap.Int("attempt", job.AttemptNumber),
		zap.Int("max_attempts", job.MaxAttempts),
	}
}
