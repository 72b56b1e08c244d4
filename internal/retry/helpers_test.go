package retry

import (
	"time"

	"payretry/internal/billing"
)

type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func failedPayment(invoiceID string) billing.PaymentRecord {
	return billing.PaymentRecord{
		UserID:         "user_" + invoiceID,
		UserEmail:      invoiceID + "@example.com",
		CustomerID:     "cus_" + invoiceID,
		SubscriptionID: "sub_" + invoiceID,
		InvoiceID:      invoiceID,
		Amount:         29,
		Currency:       "USD",
		Plan:           "pro",
		FailureReason:  "Your card was declined.",
		AttemptNumber:  1,
		OccurredAt:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}
