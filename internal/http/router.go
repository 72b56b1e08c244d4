package http

import (
	"net/http"

	"payretry/internal/auth"
	"payretry/internal/config"
	"payretry/internal/http/handler"
	mw "payretry/internal/http/middleware"
	"payretry/internal/retry"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Deps struct {
	Webhook       handler.WebhookReceiver
	DeadLetters   retry.DeadLetterStore
	Retries       retry.Inspector
	Subscriptions handler.SubscriptionReader
	JWT           *auth.JWT
	Log           *zap.Logger
}

func NewRouter(cfg config.Config, deps Deps) http.Handler {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.RequestLogger(log.Named("http")))
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins, cfg.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	wh := &handler.WebhookHandler{Receiver: deps.Webhook, Log: log.Named("http.webhook")}
	r.Post("/api/payment/webhook", wh.Stripe)

	ah := &handler.AuthHandler{
		Admin: auth.Admin{Email: cfg.AdminEmail, PasswordHash: cfg.AdminPasswordHash},
		JWT:   deps.JWT,
	}
	r.Post("/api/admin/login", ah.Login)

	admin := &handler.AdminHandler{
		DeadLetters:   deps.DeadLetters,
		Retries:       deps.Retries,
		Subscriptions: deps.Subscriptions,
		Log:           log.Named("http.admin"),
	}
	me := &handler.MeHandler{}

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(auth.RequireAdmin(deps.JWT))

		r.Get("/me", me.Me)
		r.Get("/dead-letters", admin.ListDeadLetters)
		r.Get("/dead-letters/{invoiceID}", admin.GetDeadLetter)
		r.Get("/retries", admin.ListRetries)
		r.Get("/subscriptions/{customerID}", admin.GetSubscription)
	})

	return r
}
