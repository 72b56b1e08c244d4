package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"payretry/internal/webhook"

	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type WebhookReceiver interface {
	Handle(ctx context.Context, payload []byte, signature string) (webhook.Result, error)
}

type WebhookHandler struct {
	Receiver WebhookReceiver
	Log      *zap.Logger
}

func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	_, err = h.Receiver.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, webhook.ErrInvalidSignature) {
		h.Log.Warn("webhook rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
