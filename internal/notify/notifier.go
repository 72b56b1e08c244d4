package notify

import (
	"context"
	"encoding/json"

	"payretry/internal/billing"

	"go.uber.org/zap"
)

// Message types carried in the "type" field of published payloads.
const (
	TypePaymentFailed        = "payment_failed"
	TypePaymentSuccess       = "payment_success"
	TypeSubscriptionCanceled = "subscription_canceled"
)

type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

type Topics struct {
	PaymentFailed        string
	PaymentSuccess       string
	SubscriptionCanceled string
	AdminAlerts          string
}

// Notifier fans pipeline transitions out to topics. An unset topic or a nil
// publisher turns the call into a logged no-op; publish errors are logged.
type Notifier struct {
	pub    Publisher
	topics Topics
	log    *zap.Logger
}

func New(pub Publisher, topics Topics, log *zap.Logger) *Notifier {
	return &Notifier{pub: pub, topics: topics, log: log.Named("notify")}
}

type paymentMessage struct {
	Type string `json:"type"`
	billing.PaymentRecord
}

type subscriptionMessage struct {
	Type string `json:"type"`
	billing.SubscriptionRecord
}

func (n *Notifier) NotifyPaymentFailed(ctx context.Context, rec billing.PaymentRecord) {
	n.publish(ctx, n.topics.PaymentFailed, TypePaymentFailed, rec.InvoiceID, paymentMessage{Type: TypePaymentFailed, PaymentRecord: rec})
}

func (n *Notifier) NotifyPaymentSuccess(ctx context.Context, rec billing.PaymentRecord) {
	n.publish(ctx, n.topics.PaymentSuccess, TypePaymentSuccess, rec.InvoiceID, paymentMessage{Type: TypePaymentSuccess, PaymentRecord: rec})
}

func (n *Notifier) NotifySubscriptionCanceled(ctx context.Context, rec billing.SubscriptionRecord) {
	n.publish(ctx, n.topics.SubscriptionCanceled, TypeSubscriptionCanceled, rec.CustomerID, subscriptionMessage{Type: TypeSubscriptionCanceled, SubscriptionRecord: rec})
}

func (n *Notifier) SendAdminAlert(ctx context.Context, alert billing.AdminAlert) {
	n.publish(ctx, n.topics.AdminAlerts, alert.Type, alert.UserID, alert)
}

// publish never logs msg itself; it carries customer contact details.
func (n *Notifier) publish(ctx context.Context, topic, msgType, key string, msg any) {
	if topic == "" || n.pub == nil {
		n.log.Warn("notification topic not configured, skipping",
			zap.String("type", msgType),
			zap.String("key", key),
		)
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		n.log.Error("encode notification", zap.String("topic", topic), zap.Error(err))
		return
	}
	if err := n.pub.Publish(ctx, topic, key, payload); err != nil {
		n.log.Error("publish notification",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}
	n.log.Debug("notification published", zap.String("topic", topic), zap.String("key", key))
}
