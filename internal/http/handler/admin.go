package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"payretry/internal/billing"
	"payretry/internal/retry"
	"payretry/internal/subscription"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type SubscriptionReader interface {
	Get(ctx context.Context, customerID string) (subscription.Subscription, error)
}

type AdminHandler struct {
	DeadLetters   retry.DeadLetterStore
	Retries       retry.Inspector
	Subscriptions SubscriptionReader
	Log           *zap.Logger
}

type deadLetterDTO struct {
	InvoiceID      string    `json:"invoiceId"`
	UserID         string    `json:"userId"`
	UserEmail      string    `json:"userEmail"`
	CustomerID     string    `json:"customerId"`
	SubscriptionID string    `json:"subscriptionId"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency,omitempty"`
	Plan           string    `json:"plan"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"maxAttempts"`
	FailureReason  string    `json:"failureReason"`
	FailureHistory []string  `json:"failureHistory"`
	Reason         string    `json:"reason"`
	MovedToDLQ     time.Time `json:"movedToDLQ"`
}

func toDeadLetterDTO(d billing.DeadLetter) deadLetterDTO {
	history := d.FailureHistory
	if history == nil {
		history = []string{}
	}
	return deadLetterDTO{
		InvoiceID:      d.InvoiceID,
		UserID:         d.UserID,
		UserEmail:      d.UserEmail,
		CustomerID:     d.CustomerID,
		SubscriptionID: d.SubscriptionID,
		Amount:         d.Amount,
		Currency:       d.Currency,
		Plan:           d.Plan,
		Attempts:       d.AttemptNumber,
		MaxAttempts:    d.MaxAttempts,
		FailureReason:  d.FailureReason,
		FailureHistory: history,
		Reason:         d.Reason,
		MovedToDLQ:     d.MovedToDLQ,
	}
}

func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit == 0 || limit > 500 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)

	rows, err := h.DeadLetters.List(r.Context(), limit, offset)
	if err != nil {
		h.Log.Error("list dead letters", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	out := make([]deadLetterDTO, 0, len(rows))
	for _, d := range rows {
		out = append(out, toDeadLetterDTO(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  out,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *AdminHandler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	invoiceID := chi.URLParam(r, "invoiceID")
	d, err := h.DeadLetters.Get(r.Context(), invoiceID)
	if errors.Is(err, retry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		h.Log.Error("get dead letter", zap.String("invoice_id", invoiceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, toDeadLetterDTO(d))
}

func (h *AdminHandler) ListRetries(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit == 0 || limit > 500 {
		limit = 100
	}
	rows, err := h.Retries.Pending(r.Context(), limit)
	if err != nil {
		h.Log.Error("list pending retries", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	if rows == nil {
		rows = []retry.PendingMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (h *AdminHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")
	s, err := h.Subscriptions.Get(r.Context(), customerID)
	if errors.Is(err, subscription.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		h.Log.Error("get subscription", zap.String("customer_id", customerID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, s)
}
