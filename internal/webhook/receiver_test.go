package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"payretry/internal/billing"
	"payretry/internal/cache"
	"payretry/internal/email"
	"payretry/internal/notify"
	"payretry/internal/retry"
	"payretry/internal/subscription"

	"go.uber.org/zap/zaptest"
)

const validSignature = "t=1,v1=valid"

// stubVerifier accepts validSignature and decodes the provider event envelope.
type stubVerifier struct{}

func (stubVerifier) Verify(payload []byte, signature string) (Event, error) {
	if signature != validSignature {
		return Event{}, fmt.Errorf("%w: bad signature", ErrInvalidSignature)
	}
	var env struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Created int64  `json:"created"`
		Data    struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return Event{ID: env.ID, Type: env.Type, Created: time.Unix(env.Created, 0).UTC(), Object: env.Data.Object}, nil
}

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

var testTopics = notify.Topics{
	PaymentFailed:        "payment-failed",
	PaymentSuccess:       "payment-success",
	SubscriptionCanceled: "subscription-canceled",
	AdminAlerts:          "admin-alerts",
}

type fixture struct {
	clock     *testClock
	queue     *retry.MemoryQueue
	dlq       *retry.MemoryDeadLetters
	subs      *subscription.Memory
	dedup     *cache.MemoryEventDedup
	pub       *notify.MemoryPublisher
	mail      *email.MemorySender
	scheduler *retry.Scheduler
	notifier  *notify.Notifier
	mailer    *email.Service
	receiver  *Receiver

	maxAttempts int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	f := &fixture{
		clock: &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		queue: retry.NewMemoryQueue(5 * time.Minute),
		dlq:   retry.NewMemoryDeadLetters(),
		subs:  subscription.NewMemory(),
		dedup: cache.NewMemoryEventDedup(time.Hour),
		pub:   &notify.MemoryPublisher{},
		mail:  &email.MemorySender{},

		maxAttempts: 3,
	}
	f.queue.SetClock(f.clock.Now)

	b, err := retry.NewBackoff(nil, 0)
	if err != nil {
		t.Fatalf("NewBackoff: %v", err)
	}
	f.scheduler = retry.NewScheduler(f.queue, b, log)
	f.notifier = notify.New(f.pub, testTopics, log)
	f.mailer = email.NewService(f.mail, "https://app.example.com", "Pro", log)
	f.receiver = f.newReceiver(t, f.queue)
	return f
}

func (f *fixture) newReceiver(t *testing.T, scheduleQueue retry.Queue) *Receiver {
	log := zaptest.NewLogger(t)
	b := f.scheduler.Backoff()
	r := NewReceiver(Dependencies{
		Verifier:      stubVerifier{},
		Dedup:         f.dedup,
		Subscriptions: f.subs,
		Notifier:      f.notifier,
		Scheduler:     retry.NewScheduler(scheduleQueue, b, log),
		Queue:         f.queue,
		DeadLetters:   f.dlq,
		Mailer:        f.mailer,
		MaxAttempts:   f.maxAttempts,
		Log:           log,
	})
	r.SetClock(f.clock.Now)
	return r
}

func eventJSON(id, typ string, object any) []byte {
	obj, _ := json.Marshal(object)
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"created":1740830400,"data":{"object":%s}}`, id, typ, obj))
}

func failedInvoice(invoiceID string) map[string]any {
	return map[string]any{
		"id":             invoiceID,
		"customer":       "cus_" + invoiceID,
		"customer_email": invoiceID + "@example.com",
		"subscription":   "sub_" + invoiceID,
		"amount_due":     2900,
		"currency":       "usd",
		"attempt_count":  1,
		"metadata":       map[string]string{"userId": "user_" + invoiceID},
		"last_finalization_error": map[string]string{
			"message": "Your card was declined.",
		},
	}
}

func countSubjects(msgs []email.Message, prefix string) int {
	n := 0
	for _, m := range msgs {
		if strings.HasPrefix(m.Subject, prefix) {
			n++
		}
	}
	return n
}

func TestHandleRejectsInvalidSignature(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON("evt_1", EventInvoicePaymentFailed, failedInvoice("in_1"))

	for _, sig := range []string{"", "t=1,v1=forged"} {
		_, err := f.receiver.Handle(context.Background(), payload, sig)
		if !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("signature %q: err = %v, want ErrInvalidSignature", sig, err)
		}
	}
	if f.queue.Len() != 0 {
		t.Errorf("queue has %d messages, want 0", f.queue.Len())
	}
	if len(f.pub.On(testTopics.PaymentFailed)) != 0 || len(f.mail.Sent()) != 0 {
		t.Error("rejected event produced notifications")
	}
	if dup, _ := f.dedup.IsDuplicate(context.Background(), "evt_1"); dup {
		t.Error("rejected event marked processed")
	}
}

func TestHandleInvoicePaymentFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.subs.Upsert(ctx, subscription.Subscription{
		CustomerID:     "cus_in_1",
		SubscriptionID: "sub_in_1",
		UserID:         "user_in_1",
		Plan:           "pro",
		Status:         billing.SubscriptionActive,
	})

	res, err := f.receiver.Handle(ctx, eventJSON("evt_1", EventInvoicePaymentFailed, failedInvoice("in_1")), validSignature)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Handled || res.Duplicate {
		t.Errorf("result = %+v", res)
	}

	pending, _ := f.queue.Pending(ctx, 0)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	job := pending[0].Job
	if job.AttemptNumber != 1 || job.MaxAttempts != 3 {
		t.Errorf("job attempt %d of %d, want 1 of 3", job.AttemptNumber, job.MaxAttempts)
	}
	if job.Amount != 29 || job.Currency != "USD" || job.Plan != "pro" {
		t.Errorf("job = %+v", job)
	}
	if job.FailureReason != "Your card was declined." {
		t.Errorf("failure reason = %q", job.FailureReason)
	}
	if want := f.clock.Now().Add(5 * time.Minute); !pending[0].VisibleAt.Equal(want) {
		t.Errorf("retry due %s, want %s", pending[0].VisibleAt, want)
	}

	failed := f.pub.On(testTopics.PaymentFailed)
	if len(failed) != 1 || failed[0].Key != "in_1" {
		t.Fatalf("payment failed notifications = %+v", failed)
	}
	var msg map[string]any
	if err := json.Unmarshal(failed[0].Payload, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg["type"] != notify.TypePaymentFailed || msg["userId"] != "user_in_1" {
		t.Errorf("notification = %v", msg)
	}

	if got := countSubjects(f.mail.Sent(), "Payment failed"); got != 1 {
		t.Errorf("failure emails = %d, want 1", got)
	}
	s, _ := f.subs.Get(ctx, "cus_in_1")
	if s.Status != billing.SubscriptionPastDue {
		t.Errorf("subscription status = %q, want past_due", s.Status)
	}
}

func TestHandleDuplicateEventIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := eventJSON("evt_1", EventInvoicePaymentFailed, failedInvoice("in_1"))

	if _, err := f.receiver.Handle(ctx, payload, validSignature); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	res, err := f.receiver.Handle(ctx, payload, validSignature)
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if !res.Duplicate {
		t.Errorf("result = %+v, want duplicate", res)
	}
	if f.queue.Len() != 1 {
		t.Errorf("queue has %d messages, want 1", f.queue.Len())
	}
	if got := len(f.mail.Sent()); got != 1 {
		t.Errorf("emails = %d, want 1", got)
	}
}

func TestHandleSkipsInvoiceWithRetryInProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.receiver.Handle(ctx, eventJSON("evt_1", EventInvoicePaymentFailed, failedInvoice("in_1")), validSignature); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	// the provider reports the failure of our own retry charge under a new event id
	inv := failedInvoice("in_1")
	inv["attempt_count"] = 2
	if _, err := f.receiver.Handle(ctx, eventJSON("evt_2", EventInvoicePaymentFailed, inv), validSignature); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if f.queue.Len() != 1 {
		t.Errorf("queue has %d messages, want 1", f.queue.Len())
	}
	if got := len(f.pub.On(testTopics.PaymentFailed)); got != 1 {
		t.Errorf("payment failed notifications = %d, want 1", got)
	}
}

func TestHandleSkipsDeadLetteredInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.dlq.Put(ctx, billing.DeadLetter{
		RetryJob: billing.RetryJob{InvoiceID: "in_1", AttemptNumber: 3, MaxAttempts: 3},
		Reason:   billing.DeadLetterReason,
	})

	res, err := f.receiver.Handle(ctx, eventJSON("evt_9", EventInvoicePaymentFailed, failedInvoice("in_1")), validSignature)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Handled {
		t.Errorf("result = %+v", res)
	}
	if f.queue.Len() != 0 {
		t.Errorf("queue has %d messages, want 0", f.queue.Len())
	}
	if len(f.mail.Sent()) != 0 {
		t.Error("email sent for a dead-lettered invoice")
	}
}

type brokenQueue struct{ retry.Queue }

func (brokenQueue) Enqueue(context.Context, billing.RetryJob, time.Duration) (string, error) {
	return "", errors.New("queue unavailable")
}

func TestHandleProcessingErrorIsNotMarkedProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.newReceiver(t, brokenQueue{Queue: f.queue})
	payload := eventJSON("evt_1", EventInvoicePaymentFailed, failedInvoice("in_1"))

	if _, err := r.Handle(ctx, payload, validSignature); err == nil || errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Handle = %v, want processing error", err)
	}
	if dup, _ := f.dedup.IsDuplicate(ctx, "evt_1"); dup {
		t.Error("failed event marked processed")
	}
	if len(f.pub.On(testTopics.PaymentFailed)) != 0 || len(f.mail.Sent()) != 0 {
		t.Error("notifications sent although the retry was not scheduled")
	}

	// redelivery once the queue is back
	if _, err := f.receiver.Handle(ctx, payload, validSignature); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if f.queue.Len() != 1 {
		t.Errorf("queue has %d messages, want 1", f.queue.Len())
	}
}

func TestHandleCheckoutCompletedActivatesSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session := map[string]any{
		"id":                  "cs_1",
		"customer":            "cus_1",
		"subscription":        map[string]string{"id": "sub_1", "object": "subscription"},
		"client_reference_id": "user_1",
		"customer_details":    map[string]string{"email": "user1@example.com"},
		"metadata":            map[string]string{"plan": "pro"},
	}
	if _, err := f.receiver.Handle(ctx, eventJSON("evt_c", EventCheckoutCompleted, session), validSignature); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	s, err := f.subs.Get(ctx, "cus_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := subscription.Subscription{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		UserID:         "user_1",
		UserEmail:      "user1@example.com",
		Plan:           "pro",
		Status:         billing.SubscriptionActive,
	}
	s.CreatedAt, s.UpdatedAt = time.Time{}, time.Time{}
	if s != want {
		t.Errorf("subscription = %+v, want %+v", s, want)
	}
}

func TestHandleSubscriptionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.subs.Upsert(ctx, subscription.Subscription{
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		UserID:         "user_1",
		UserEmail:      "user1@example.com",
		Plan:           "pro",
		Status:         billing.SubscriptionActive,
	})

	updated := map[string]any{"id": "sub_1", "customer": "cus_1", "status": "past_due"}
	if _, err := f.receiver.Handle(ctx, eventJSON("evt_u", EventSubscriptionUpdated, updated), validSignature); err != nil {
		t.Fatalf("Handle updated: %v", err)
	}
	if s, _ := f.subs.Get(ctx, "cus_1"); s.Status != "past_due" {
		t.Errorf("status after update = %q", s.Status)
	}

	deleted := map[string]any{"id": "sub_1", "customer": "cus_1", "status": "canceled"}
	if _, err := f.receiver.Handle(ctx, eventJSON("evt_d", EventSubscriptionDeleted, deleted), validSignature); err != nil {
		t.Fatalf("Handle deleted: %v", err)
	}
	if s, _ := f.subs.Get(ctx, "cus_1"); s.Status != billing.SubscriptionCanceled {
		t.Errorf("status after delete = %q", s.Status)
	}

	canceled := f.pub.On(testTopics.SubscriptionCanceled)
	if len(canceled) != 1 {
		t.Fatalf("cancel notifications = %d, want 1", len(canceled))
	}
	var rec billing.SubscriptionRecord
	if err := json.Unmarshal(canceled[0].Payload, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.UserEmail != "user1@example.com" || rec.Plan != "pro" || rec.Status != billing.SubscriptionCanceled {
		t.Errorf("record = %+v", rec)
	}
}

func TestHandleIgnoresUnknownEvents(t *testing.T) {
	f := newFixture(t)
	res, err := f.receiver.Handle(context.Background(), eventJSON("evt_x", "charge.refunded", map[string]string{"id": "ch_1"}), validSignature)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Handled {
		t.Errorf("result = %+v, want unhandled", res)
	}
}

func TestHandleMalformedObjectIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{"id":"evt_m","type":"invoice.payment_failed","data":{"object":{"id":42}}}`)
	if _, err := f.receiver.Handle(context.Background(), payload, validSignature); err != nil {
		t.Fatalf("Handle = %v, want nil", err)
	}
	if f.queue.Len() != 0 {
		t.Errorf("queue has %d messages, want 0", f.queue.Len())
	}
}

type scriptedPayments struct {
	results map[string][]bool
	calls   map[string]int
}

func (p *scriptedPayments) PayInvoice(_ context.Context, invoiceID string) (retry.ChargeResult, error) {
	if p.calls == nil {
		p.calls = map[string]int{}
	}
	i := p.calls[invoiceID]
	p.calls[invoiceID]++
	if i < len(p.results[invoiceID]) && p.results[invoiceID][i] {
		return retry.ChargeResult{Paid: true, Status: "paid"}, nil
	}
	return retry.ChargeResult{Status: "open", FailureReason: "Your card was declined."}, nil
}

func TestPipelineScenarios(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	payments := &scriptedPayments{results: map[string][]bool{
		"inv_1": {false, false},
		"inv_2": {true},
	}}
	worker := retry.NewWorker(retry.WorkerConfig{MaxAttempts: 3}, retry.Dependencies{
		Queue:         f.queue,
		DeadLetters:   f.dlq,
		Scheduler:     f.scheduler,
		Payments:      payments,
		Notifier:      f.notifier,
		Mailer:        f.mailer,
		Subscriptions: f.subs,
		Log:           log,
	})
	worker.SetClock(f.clock.Now)

	for _, inv := range []string{"inv_1", "inv_2"} {
		if _, err := f.receiver.Handle(ctx, eventJSON("evt_"+inv, EventInvoicePaymentFailed, failedInvoice(inv)), validSignature); err != nil {
			t.Fatalf("Handle %s: %v", inv, err)
		}
	}

	for i := 0; i < 6; i++ {
		f.clock.Advance(15 * time.Minute)
		if _, err := worker.ProcessRetries(ctx); err != nil {
			t.Fatalf("ProcessRetries: %v", err)
		}
	}

	if f.queue.Len() != 0 {
		t.Fatalf("queue has %d messages, want 0", f.queue.Len())
	}
	if payments.calls["inv_1"] != 2 || payments.calls["inv_2"] != 1 {
		t.Errorf("charges = %v", payments.calls)
	}

	dl, err := f.dlq.Get(ctx, "inv_1")
	if err != nil {
		t.Fatalf("inv_1 dead letter: %v", err)
	}
	if dl.AttemptNumber != 3 || dl.Reason != billing.DeadLetterReason {
		t.Errorf("dead letter = %+v", dl)
	}
	if dead, _ := f.dlq.Has(ctx, "inv_2"); dead {
		t.Error("inv_2 dead-lettered")
	}
	if got := len(f.pub.On(testTopics.AdminAlerts)); got != 1 {
		t.Errorf("admin alerts = %d, want 1", got)
	}

	perInvoice := map[string][]string{}
	for _, m := range f.mail.Sent() {
		inv := strings.TrimSuffix(m.To, "@example.com")
		perInvoice[inv] = append(perInvoice[inv], m.Subject)
	}
	if got := len(perInvoice["inv_1"]); got != 3 {
		t.Errorf("inv_1 emails = %v, want 3 failure emails", perInvoice["inv_1"])
	}
	for _, subject := range perInvoice["inv_1"] {
		if strings.HasPrefix(subject, "Payment received") {
			t.Errorf("inv_1 got a success email")
		}
	}
	inv2 := perInvoice["inv_2"]
	if len(inv2) != 2 || !strings.HasPrefix(inv2[0], "Payment failed") || !strings.HasPrefix(inv2[1], "Payment received") {
		t.Errorf("inv_2 emails = %v, want one failure then one success", inv2)
	}
}

func TestAttemptCeiling(t *testing.T) {
	for _, ceiling := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("max=%d", ceiling), func(t *testing.T) {
			f := newFixture(t)
			f.maxAttempts = ceiling
			f.receiver = f.newReceiver(t, f.queue)
			ctx := context.Background()

			payments := &scriptedPayments{}
			worker := retry.NewWorker(retry.WorkerConfig{MaxAttempts: ceiling}, retry.Dependencies{
				Queue:         f.queue,
				DeadLetters:   f.dlq,
				Scheduler:     f.scheduler,
				Payments:      payments,
				Notifier:      f.notifier,
				Mailer:        f.mailer,
				Subscriptions: f.subs,
				Log:           zaptest.NewLogger(t),
			})
			worker.SetClock(f.clock.Now)

			if _, err := f.receiver.Handle(ctx, eventJSON("evt_1", EventInvoicePaymentFailed, failedInvoice("inv_1")), validSignature); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			for i := 0; i < 6; i++ {
				f.clock.Advance(15 * time.Minute)
				if _, err := worker.ProcessRetries(ctx); err != nil {
					t.Fatalf("ProcessRetries: %v", err)
				}
			}

			if f.queue.Len() != 0 {
				t.Fatalf("queue has %d messages, want 0", f.queue.Len())
			}
			if got := payments.calls["inv_1"]; got != ceiling-1 {
				t.Errorf("worker charges = %d, want %d", got, ceiling-1)
			}
			dl, err := f.dlq.Get(ctx, "inv_1")
			if err != nil {
				t.Fatalf("dead letter: %v", err)
			}
			if dl.AttemptNumber != ceiling || dl.MaxAttempts != ceiling {
				t.Errorf("dead letter attempt %d of %d, want %d of %d", dl.AttemptNumber, dl.MaxAttempts, ceiling, ceiling)
			}
			if len(dl.FailureHistory) != ceiling {
				t.Errorf("failure history = %v, want %d entries", dl.FailureHistory, ceiling)
			}
			if got := len(f.pub.On(testTopics.AdminAlerts)); got != 1 {
				t.Errorf("admin alerts = %d, want 1", got)
			}
			// the webhook failure and every rescheduled charge are published
			wantFailed := ceiling - 1
			if ceiling == 1 {
				wantFailed = 1
			}
			if got := len(f.pub.On(testTopics.PaymentFailed)); got != wantFailed {
				t.Errorf("failure notifications = %d, want %d", got, wantFailed)
			}
			if got := len(f.mail.Sent()); got != ceiling {
				t.Errorf("emails = %d, want %d", got, ceiling)
			}
			if got := countSubjects(f.mail.Sent(), "Action required"); got != 1 {
				t.Errorf("final emails = %d, want 1", got)
			}
		})
	}
}

func TestHandleZeroDecimalCurrencyAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := failedInvoice("in_jpy")
	inv["currency"] = "jpy"
	inv["amount_due"] = 3200
	if _, err := f.receiver.Handle(ctx, eventJSON("evt_jpy", EventInvoicePaymentFailed, inv), validSignature); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	pending, _ := f.queue.Pending(ctx, 0)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if job := pending[0].Job; job.Amount != 3200 || job.Currency != "JPY" {
		t.Errorf("job amount %v %s, want 3200 JPY", job.Amount, job.Currency)
	}
}
