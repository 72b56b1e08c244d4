package main

import (
	"context"
	"fmt"

	"payretry/internal/cache"
	"payretry/internal/config"
	"payretry/internal/db"
	"payretry/internal/email"
	"payretry/internal/logging"
	"payretry/internal/notify"
	"payretry/internal/payment"
	"payretry/internal/retry"
	"payretry/internal/subscription"
	"payretry/internal/webhook"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type queueStore interface {
	retry.Queue
	retry.Inspector
}

type subscriptionStore interface {
	webhook.Subscriptions
	retry.SubscriptionStatusWriter
}

// app holds the adapters shared by every command.
type app struct {
	cfg config.Config
	log *zap.Logger

	queue         queueStore
	deadLetters   retry.DeadLetterStore
	subscriptions subscriptionStore
	dedup         webhook.EventDedup
	notifier      *notify.Notifier
	mailer        *email.Service
	scheduler     *retry.Scheduler

	closers []func() error
}

func loadConfig(path string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

// newApp connects every configured backend. Missing backends fall back to
// process-local implementations, which only suit a single serve process
// running its own worker.
func newApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	backoff, err := cfg.Backoff()
	if err != nil {
		return nil, err
	}

	if cfg.DatabaseURL != "" {
		gdb, err := db.Connect(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		if err := a.useDatabase(gdb); err != nil {
			a.close()
			return nil, err
		}
	} else {
		log.Warn("DATABASE_URL not set, using in-memory queue and stores")
		a.queue = retry.NewMemoryQueue(cfg.Retry.VisibilityTimeout)
		a.deadLetters = retry.NewMemoryDeadLetters()
		a.subscriptions = subscription.NewMemory()
	}

	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		a.dedup = cache.NewRedisEventDedup(rdb, cfg.EventDedupTTL)
	} else {
		log.Warn("REDIS_URL not set, webhook event dedup is in-memory")
		a.dedup = cache.NewMemoryEventDedup(cfg.EventDedupTTL)
	}

	var pub notify.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := notify.NewKafkaPublisher(cfg.KafkaBrokers)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, kp.Close)
		pub = kp
	} else {
		log.Warn("KAFKA_BROKERS not set, notifications are logged only")
	}
	a.notifier = notify.New(pub, notify.Topics{
		PaymentFailed:        cfg.Topics.PaymentFailed,
		PaymentSuccess:       cfg.Topics.PaymentSuccess,
		SubscriptionCanceled: cfg.Topics.SubscriptionCanceled,
		AdminAlerts:          cfg.Topics.AdminAlerts,
	}, log)

	var sender email.Sender = email.LogSender{Log: log.Named("email")}
	if cfg.SendGridAPIKey != "" {
		sender = email.NewSendGridSender(cfg.SendGridAPIKey, cfg.EmailFromName, cfg.EmailFrom, cfg.EmailSandbox)
	} else {
		log.Warn("SENDGRID_API_KEY not set, emails are logged only")
	}
	a.mailer = email.NewService(sender, cfg.AppURL, cfg.ProductName, log)

	a.scheduler = retry.NewScheduler(a.queue, backoff, log)
	return a, nil
}

// useDatabase registers gdb for closing before anything can fail, then
// migrates it and builds the Postgres stores.
func (a *app) useDatabase(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	a.closers = append(a.closers, sqlDB.Close)

	if err := db.AutoMigrateAndIndexes(gdb, a.log); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	a.queue = &retry.Repo{
		DB:              gdb,
		Queue:           a.cfg.Retry.Queue,
		DeadLetterQueue: a.cfg.Retry.DeadLetterQueue,
		Visibility:      a.cfg.Retry.VisibilityTimeout,
		Log:             a.log.Named("queue"),
	}
	a.deadLetters = &retry.DeadLetterRepo{DB: gdb, Queue: a.cfg.Retry.DeadLetterQueue}
	a.subscriptions = &subscription.Repo{DB: gdb}
	return nil
}

func (a *app) receiver() *webhook.Receiver {
	return webhook.NewReceiver(webhook.Dependencies{
		Verifier:      payment.NewSignatureVerifier(a.cfg.StripeWebhookSecret, 0),
		Dedup:         a.dedup,
		Subscriptions: a.subscriptions,
		Notifier:      a.notifier,
		Scheduler:     a.scheduler,
		Queue:         a.queue,
		DeadLetters:   a.deadLetters,
		Mailer:        a.mailer,
		MaxAttempts:   a.cfg.Retry.MaxAttempts,
		Log:           a.log,
	})
}

func (a *app) worker(id string) *retry.Worker {
	return retry.NewWorker(retry.WorkerConfig{
		ID:          id,
		BatchSize:   a.cfg.Retry.BatchSize,
		WaitTime:    a.cfg.Retry.WaitTime,
		MaxAttempts: a.cfg.Retry.MaxAttempts,
	}, retry.Dependencies{
		Queue:         a.queue,
		DeadLetters:   a.deadLetters,
		Scheduler:     a.scheduler,
		Payments:      payment.NewStripeProvider(a.cfg.StripeSecretKey, a.log),
		Notifier:      a.notifier,
		Mailer:        a.mailer,
		Subscriptions: a.subscriptions,
		Log:           a.log,
	})
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.log.Sync()
}
