package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"payretry/internal/webhook"

	"go.uber.org/zap/zaptest"
)

type stubReceiver struct {
	HandleFunc func(ctx context.Context, payload []byte, signature string) (webhook.Result, error)
	calls      int
}

func (s *stubReceiver) Handle(ctx context.Context, payload []byte, signature string) (webhook.Result, error) {
	s.calls++
	if s.HandleFunc != nil {
		return s.HandleFunc(ctx, payload, signature)
	}
	return webhook.Result{Handled: true}, nil
}

func TestWebhookHandlerStatuses(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"accepted", nil, http.StatusOK, `"received":true`},
		{"bad signature", fmt.Errorf("%w: no match", webhook.ErrInvalidSignature), http.StatusBadRequest, `"error"`},
		{"processing error", errors.New("queue down"), http.StatusInternalServerError, `"error"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotSig string
			recv := &stubReceiver{HandleFunc: func(_ context.Context, _ []byte, sig string) (webhook.Result, error) {
				gotSig = sig
				return webhook.Result{}, tt.err
			}}
			h := &WebhookHandler{Receiver: recv, Log: zaptest.NewLogger(t)}

			req := httptest.NewRequest(http.MethodPost, "/api/payment/webhook", strings.NewReader(`{"id":"evt_1"}`))
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			rec := httptest.NewRecorder()
			h.Stripe(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want %s", rec.Body.String(), tt.wantBody)
			}
			if gotSig != "t=1,v1=abc" {
				t.Errorf("signature = %q", gotSig)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type = %q", ct)
			}
		})
	}
}

func TestWebhookHandlerRejectsOversizedBody(t *testing.T) {
	recv := &stubReceiver{}
	h := &WebhookHandler{Receiver: recv, Log: zaptest.NewLogger(t)}

	body := strings.Repeat("x", maxWebhookBody+1)
	req := httptest.NewRequest(http.MethodPost, "/api/payment/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Stripe(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
	if recv.calls != 0 {
		t.Error("receiver called for oversized body")
	}
	var out map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out["error"] == "" {
		t.Errorf("body = %s", rec.Body.String())
	}
}
