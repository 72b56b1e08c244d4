package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"payretry/internal/billing"
	"payretry/internal/email"
	"payretry/internal/retry"
	"payretry/internal/subscription"

	"go.uber.org/zap"
)

type Verifier interface {
	Verify(payload []byte, signature string) (Event, error)
}

// EventDedup remembers processed event ids.
type EventDedup interface {
	IsDuplicate(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string) error
}

type Subscriptions interface {
	Upsert(ctx context.Context, s subscription.Subscription) error
	UpdateStatus(ctx context.Context, customerID, subscriptionID, status string) (subscription.Subscription, error)
	Get(ctx context.Context, customerID string) (subscription.Subscription, error)
}

type Notifier interface {
	NotifyPaymentFailed(ctx context.Context, rec billing.PaymentRecord)
	NotifySubscriptionCanceled(ctx context.Context, rec billing.SubscriptionRecord)
	SendAdminAlert(ctx context.Context, alert billing.AdminAlert)
}

type Scheduler interface {
	QueueRetry(ctx context.Context, job billing.RetryJob) (string, error)
	Backoff() retry.Backoff
}

type Mailer interface {
	SendPaymentFailedEmail(ctx context.Context, msg email.PaymentFailed)
}

type Dependencies struct {
	Verifier      Verifier
	Dedup         EventDedup
	Subscriptions Subscriptions
	Notifier      Notifier
	Scheduler     Scheduler
	Queue         retry.Inspector
	DeadLetters   retry.DeadLetterStore
	Mailer        Mailer
	MaxAttempts   int
	Log           *zap.Logger
}

// Result describes what Handle did with an accepted event.
type Result struct {
	EventID   string
	Type      string
	Handled   bool
	Duplicate bool
}

// Receiver verifies provider events and routes them into the retry pipeline.
type Receiver struct {
	verifier      Verifier
	dedup         EventDedup
	subscriptions Subscriptions
	notifier      Notifier
	scheduler     Scheduler
	queue         retry.Inspector
	deadLetters   retry.DeadLetterStore
	mailer        Mailer
	maxAttempts   int
	log           *zap.Logger
	nowFn         func() time.Time
}

func NewReceiver(deps Dependencies) *Receiver {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	maxAttempts := deps.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = billing.DefaultMaxAttempts
	}
	return &Receiver{
		verifier:      deps.Verifier,
		dedup:         deps.Dedup,
		subscriptions: deps.Subscriptions,
		notifier:      deps.Notifier,
		scheduler:     deps.Scheduler,
		queue:         deps.Queue,
		deadLetters:   deps.DeadLetters,
		mailer:        deps.Mailer,
		maxAttempts:   maxAttempts,
		log:           log.Named("webhook"),
		nowFn:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (r *Receiver) SetClock(now func() time.Time) { r.nowFn = now }

// Handle verifies payload against signature and processes the event.
// Verification failures wrap ErrInvalidSignature and have no side effects.
// Any other error means the event was not processed and should be redelivered.
func (r *Receiver) Handle(ctx context.Context, payload []byte, signature string) (Result, error) {
	if strings.TrimSpace(signature) == "" {
		return Result{}, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	ev, err := r.verifier.Verify(payload, signature)
	if err != nil {
		if !errors.Is(err, ErrInvalidSignature) {
			err = fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return Result{}, err
	}

	res := Result{EventID: ev.ID, Type: ev.Type}
	log := r.log.With(zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))

	if r.dedup != nil && ev.ID != "" {
		dup, err := r.dedup.IsDuplicate(ctx, ev.ID)
		if err != nil {
			// handlers are idempotent; continue without dedup
			log.Warn("event dedup lookup failed", zap.Error(err))
		}
		if dup {
			log.Info("duplicate event acknowledged")
			res.Duplicate = true
			return res, nil
		}
	}

	handled, err := r.Dispatch(ctx, ev)
	if err != nil {
		log.Error("webhook processing failed", zap.Error(err))
		return res, err
	}
	res.Handled = handled

	if r.dedup != nil && ev.ID != "" {
		if err := r.dedup.MarkProcessed(ctx, ev.ID, ev.Type); err != nil {
			log.Warn("could not mark event processed", zap.Error(err))
		}
	}
	return res, nil
}

// Dispatch routes a verified event. It reports false for ignored event types.
func (r *Receiver) Dispatch(ctx context.Context, ev Event) (bool, error) {
	switch ev.Type {
	case EventCheckoutCompleted:
		return true, r.checkoutCompleted(ctx, ev)
	case EventSubscriptionUpdated:
		return true, r.subscriptionUpdated(ctx, ev)
	case EventSubscriptionDeleted:
		return true, r.subscriptionDeleted(ctx, ev)
	case EventInvoicePaymentFailed:
		return true, r.invoicePaymentFailed(ctx, ev)
	default:
		r.log.Debug("unhandled event type", zap.String("event_type", ev.Type), zap.String("event_id", ev.ID))
		return false, nil
	}
}

func (r *Receiver) checkoutCompleted(ctx context.Context, ev Event) error {
	var obj checkoutObject
	if err := json.Unmarshal(ev.Object, &obj); err != nil {
		r.malformed(ev, err)
		return nil
	}
	if obj.Customer == "" {
		r.log.Warn("checkout session without customer", zap.String("event_id", ev.ID), zap.String("session_id", obj.ID))
		return nil
	}
	s := subscription.Subscription{
		CustomerID:     string(obj.Customer),
		SubscriptionID: string(obj.Subscription),
		UserID:         obj.userID(),
		UserEmail:      obj.email(),
		Plan:           obj.Metadata["plan"],
		Status:         billing.SubscriptionActive,
	}
	if err := r.subscriptions.Upsert(ctx, s); err != nil {
		return fmt.Errorf("activate subscription for %s: %w", s.CustomerID, err)
	}
	r.log.Info("subscription activated",
		zap.String("customer_id", s.CustomerID),
		zap.String("subscription_id", s.SubscriptionID),
		zap.String("user_id", s.UserID),
	)
	return nil
}

func (r *Receiver) subscriptionUpdated(ctx context.Context, ev Event) error {
	var obj subscriptionObject
	if err := json.Unmarshal(ev.Object, &obj); err != nil {
		r.malformed(ev, err)
		return nil
	}
	if obj.Status == "" {
		return nil
	}
	_, err := r.subscriptions.UpdateStatus(ctx, string(obj.Customer), obj.ID, obj.Status)
	if errors.Is(err, subscription.ErrNotFound) {
		err = r.subscriptions.Upsert(ctx, subscription.Subscription{
			CustomerID:     string(obj.Customer),
			SubscriptionID: obj.ID,
			UserID:         obj.Metadata["userId"],
			Plan:           obj.plan(),
			Status:         obj.Status,
		})
	}
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", obj.ID, err)
	}
	r.log.Info("subscription status updated",
		zap.String("customer_id", string(obj.Customer)),
		zap.String("subscription_id", obj.ID),
		zap.String("status", obj.Status),
	)
	return nil
}

func (r *Receiver) subscriptionDeleted(ctx context.Context, ev Event) error {
	var obj subscriptionObject
	if err := json.Unmarshal(ev.Object, &obj); err != nil {
		r.malformed(ev, err)
		return nil
	}
	s, err := r.subscriptions.UpdateStatus(ctx, string(obj.Customer), obj.ID, billing.SubscriptionCanceled)
	if errors.Is(err, subscription.ErrNotFound) {
		s = subscription.Subscription{
			CustomerID:     string(obj.Customer),
			SubscriptionID: obj.ID,
			UserID:         obj.Metadata["userId"],
			Plan:           obj.plan(),
			Status:         billing.SubscriptionCanceled,
		}
		err = r.subscriptions.Upsert(ctx, s)
	}
	if err != nil {
		return fmt.Errorf("cancel subscription %s: %w", obj.ID, err)
	}

	plan := s.Plan
	if plan == "" {
		plan = obj.plan()
	}
	r.notifier.NotifySubscriptionCanceled(ctx, billing.SubscriptionRecord{
		UserID:         s.UserID,
		UserEmail:      s.UserEmail,
		CustomerID:     s.CustomerID,
		SubscriptionID: s.SubscriptionID,
		Plan:           plan,
		Status:         billing.SubscriptionCanceled,
		OccurredAt:     r.occurredAt(ev),
	})
	r.log.Info("subscription canceled",
		zap.String("customer_id", s.CustomerID),
		zap.String("subscription_id", s.SubscriptionID),
	)
	return nil
}

func (r *Receiver) invoicePaymentFailed(ctx context.Context, ev Event) error {
	var inv invoiceObject
	if err := json.Unmarshal(ev.Object, &inv); err != nil {
		r.malformed(ev, err)
		return nil
	}
	if inv.ID == "" {
		r.malformed(ev, errors.New("missing invoice id"))
		return nil
	}

	rec := billing.PaymentRecord{
		UserID:         inv.metadata("userId"),
		UserEmail:      inv.CustomerEmail,
		CustomerID:     string(inv.Customer),
		SubscriptionID: inv.subscriptionID(),
		InvoiceID:      inv.ID,
		Amount:         billing.MajorUnits(inv.AmountDue, inv.Currency),
		Currency:       strings.ToUpper(inv.Currency),
		Plan:           inv.metadata("plan"),
		FailureReason:  inv.failureReason(),
		AttemptNumber:  1,
		OccurredAt:     r.occurredAt(ev),
	}
	r.enrich(ctx, &rec)
	log := r.log.With(
		zap.String("invoice_id", rec.InvoiceID),
		zap.String("customer_id", rec.CustomerID),
		zap.String("user_id", rec.UserID),
	)

	dead, err := r.deadLetters.Has(ctx, rec.InvoiceID)
	if err != nil {
		return fmt.Errorf("check dead letters for %s: %w", rec.InvoiceID, err)
	}
	if dead {
		log.Info("invoice already dead-lettered, retry not scheduled")
		return nil
	}
	// failures raised by our own retry charges arrive here too
	queued, err := r.queue.Queued(ctx, rec.InvoiceID)
	if err != nil {
		return fmt.Errorf("check retry queue for %s: %w", rec.InvoiceID, err)
	}
	if queued {
		log.Info("retry already in progress for invoice", zap.Int("provider_attempt", inv.AttemptCount))
		return nil
	}

	job := rec.Job(r.maxAttempts)
	if job.AttemptNumber >= job.MaxAttempts {
		return r.deadLetterFirstFailure(ctx, rec, job)
	}
	if _, err := r.scheduler.QueueRetry(ctx, job); err != nil {
		return err
	}

	r.notifier.NotifyPaymentFailed(ctx, rec)
	r.mailer.SendPaymentFailedEmail(ctx, email.PaymentFailed{
		To:          rec.UserEmail,
		InvoiceID:   rec.InvoiceID,
		Amount:      rec.Amount,
		Currency:    rec.Currency,
		Plan:        rec.Plan,
		Reason:      rec.FailureReason,
		Attempt:     job.AttemptNumber,
		MaxAttempts: job.MaxAttempts,
		NextRetryAt: r.nowFn().Add(r.scheduler.Backoff().Delay(job.AttemptNumber)),
	})

	r.markPastDue(ctx, rec)
	log.Info("payment failure recorded", zap.Float64("amount", rec.Amount), zap.String("reason", rec.FailureReason))
	return nil
}

// deadLetterFirstFailure handles a ceiling of one attempt: the webhook
// failure already used it, so nothing is queued.
func (r *Receiver) deadLetterFirstFailure(ctx context.Context, rec billing.PaymentRecord, job billing.RetryJob) error {
	created, err := r.deadLetters.Put(ctx, billing.DeadLetter{
		RetryJob:   job,
		MovedToDLQ: r.nowFn(),
		Reason:     billing.DeadLetterReason,
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", rec.InvoiceID, err)
	}
	if !created {
		return nil
	}

	r.notifier.NotifyPaymentFailed(ctx, rec)
	r.notifier.SendAdminAlert(ctx, billing.AdminAlert{
		Type:      billing.AlertRetryExhausted,
		UserID:    job.UserID,
		UserEmail: job.UserEmail,
		Amount:    job.Amount,
		Attempts:  job.AttemptNumber,
	})
	r.mailer.SendPaymentFailedEmail(ctx, email.PaymentFailed{
		To:          rec.UserEmail,
		InvoiceID:   rec.InvoiceID,
		Amount:      rec.Amount,
		Currency:    rec.Currency,
		Plan:        rec.Plan,
		Reason:      rec.FailureReason,
		Attempt:     job.AttemptNumber,
		MaxAttempts: job.MaxAttempts,
		Final:       true,
	})
	r.markPastDue(ctx, rec)
	r.log.Warn("retries disabled, payment failure dead-lettered",
		zap.String("invoice_id", rec.InvoiceID),
		zap.String("user_id", rec.UserID),
	)
	return nil
}

func (r *Receiver) markPastDue(ctx context.Context, rec billing.PaymentRecord) {
	if rec.CustomerID == "" {
		return
	}
	_, err := r.subscriptions.UpdateStatus(ctx, rec.CustomerID, rec.SubscriptionID, billing.SubscriptionPastDue)
	if err != nil && !errors.Is(err, subscription.ErrNotFound) {
		r.log.Warn("could not mark subscription past due", zap.String("invoice_id", rec.InvoiceID), zap.Error(err))
	}
}

// enrich fills user fields the invoice did not carry from the stored subscription.
func (r *Receiver) enrich(ctx context.Context, rec *billing.PaymentRecord) {
	if rec.CustomerID == "" {
		return
	}
	s, err := r.subscriptions.Get(ctx, rec.CustomerID)
	if err != nil {
		if !errors.Is(err, subscription.ErrNotFound) {
			r.log.Warn("subscription lookup failed", zap.String("customer_id", rec.CustomerID), zap.Error(err))
		}
		return
	}
	if rec.UserID == "" {
		rec.UserID = s.UserID
	}
	if rec.UserEmail == "" {
		rec.UserEmail = s.UserEmail
	}
	if rec.Plan == "" {
		rec.Plan = s.Plan
	}
	if rec.SubscriptionID == "" {
		rec.SubscriptionID = s.SubscriptionID
	}
}

func (r *Receiver) occurredAt(ev Event) time.Time {
	if !ev.Created.IsZero() {
		return ev.Created.UTC()
	}
	return r.nowFn()
}

// malformed events passed verification, so redelivery would not fix them.
func (r *Receiver) malformed(ev Event, err error) {
	r.log.Error("malformed event object ignored",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.Error(err),
	)
}
