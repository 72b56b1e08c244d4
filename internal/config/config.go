package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"payretry/internal/retry"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr             string
	DatabaseURL          string
	RedisURL             string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	JWTSecret         string
	AdminEmail        string
	AdminPasswordHash string

	StripeSecretKey     string
	StripeWebhookSecret string

	SendGridAPIKey string
	EmailFrom      string
	EmailFromName  string
	EmailSandbox   bool
	AppURL         string
	ProductName    string

	KafkaBrokers []string
	Topics       Topics

	Retry         Retry
	EventDedupTTL time.Duration

	LogLevel  string
	LogFormat string
}

type Topics struct {
	PaymentFailed        string
	PaymentSuccess       string
	SubscriptionCanceled string
	AdminAlerts          string
}

type Retry struct {
	Queue             string
	DeadLetterQueue   string
	MaxAttempts       int
	Delays            []time.Duration
	MaxDelay          time.Duration
	BatchSize         int
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
}

// file holds the non-secret settings a YAML config file may carry.
type file struct {
	HTTPAddr string `yaml:"http_addr"`
	AppURL   string `yaml:"app_url"`
	Product  string `yaml:"product_name"`
	CORS     struct {
		AllowedOrigins   []string `yaml:"allowed_origins"`
		AllowCredentials *bool    `yaml:"allow_credentials"`
	} `yaml:"cors"`
	Email struct {
		From     string `yaml:"from"`
		FromName string `yaml:"from_name"`
		Sandbox  *bool  `yaml:"sandbox"`
	} `yaml:"email"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topics  struct {
			PaymentFailed        string `yaml:"payment_failed"`
			PaymentSuccess       string `yaml:"payment_success"`
			SubscriptionCanceled string `yaml:"subscription_canceled"`
			AdminAlerts          string `yaml:"admin_alerts"`
		} `yaml:"topics"`
	} `yaml:"kafka"`
	Retry struct {
		Queue             string   `yaml:"queue"`
		DeadLetterQueue   string   `yaml:"dead_letter_queue"`
		MaxAttempts       int      `yaml:"max_attempts"`
		Delays            []string `yaml:"delays"`
		MaxDelay          string   `yaml:"max_delay"`
		BatchSize         int      `yaml:"batch_size"`
		WaitTime          string   `yaml:"wait_time"`
		VisibilityTimeout string   `yaml:"visibility_timeout"`
	} `yaml:"retry"`
	EventDedupTTL string `yaml:"event_dedup_ttl"`
	Log           struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func Defaults() Config {
	return Config{
		HTTPAddr:    ":8080",
		AppURL:      "http://localhost:3000",
		ProductName: "your subscription",
		EmailFrom:   "billing@example.com",
		Topics: Topics{
			PaymentFailed:        "payment-failed",
			PaymentSuccess:       "payment-success",
			SubscriptionCanceled: "subscription-canceled",
			AdminAlerts:          "admin-alerts",
		},
		Retry: Retry{
			Queue:             "payment-retry",
			DeadLetterQueue:   "payment-retry-dlq",
			MaxAttempts:       3,
			Delays:            append([]time.Duration(nil), retry.DefaultDelays...),
			MaxDelay:          retry.DefaultMaxDelay,
			BatchSize:         10,
			WaitTime:          20 * time.Second,
			VisibilityTimeout: 5 * time.Minute,
		},
		EventDedupTTL: 72 * time.Hour,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// Load reads .env, then the YAML file at path when it exists, then the
// environment. Later layers win.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&c.HTTPAddr, f.HTTPAddr)
	setString(&c.AppURL, f.AppURL)
	setString(&c.ProductName, f.Product)
	if len(f.CORS.AllowedOrigins) > 0 {
		c.CORSAllowedOrigins = f.CORS.AllowedOrigins
	}
	if f.CORS.AllowCredentials != nil {
		c.CORSAllowCredentials = *f.CORS.AllowCredentials
	}
	setString(&c.EmailFrom, f.Email.From)
	setString(&c.EmailFromName, f.Email.FromName)
	if f.Email.Sandbox != nil {
		c.EmailSandbox = *f.Email.Sandbox
	}
	if len(f.Kafka.Brokers) > 0 {
		c.KafkaBrokers = f.Kafka.Brokers
	}
	setString(&c.Topics.PaymentFailed, f.Kafka.Topics.PaymentFailed)
	setString(&c.Topics.PaymentSuccess, f.Kafka.Topics.PaymentSuccess)
	setString(&c.Topics.SubscriptionCanceled, f.Kafka.Topics.SubscriptionCanceled)
	setString(&c.Topics.AdminAlerts, f.Kafka.Topics.AdminAlerts)

	setString(&c.Retry.Queue, f.Retry.Queue)
	setString(&c.Retry.DeadLetterQueue, f.Retry.DeadLetterQueue)
	if f.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = f.Retry.MaxAttempts
	}
	if f.Retry.BatchSize != 0 {
		c.Retry.BatchSize = f.Retry.BatchSize
	}
	if len(f.Retry.Delays) > 0 {
		delays, err := parseDurations(f.Retry.Delays)
		if err != nil {
			return fmt.Errorf("retry.delays: %w", err)
		}
		c.Retry.Delays = delays
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"retry.max_delay", f.Retry.MaxDelay, &c.Retry.MaxDelay},
		{"retry.wait_time", f.Retry.WaitTime, &c.Retry.WaitTime},
		{"retry.visibility_timeout", f.Retry.VisibilityTimeout, &c.Retry.VisibilityTimeout},
		{"event_dedup_ttl", f.EventDedupTTL, &c.EventDedupTTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := parseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	setString(&c.LogLevel, f.Log.Level)
	setString(&c.LogFormat, f.Log.Format)
	return nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = getenv("HTTP_ADDR", c.HTTPAddr)
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getenv("REDIS_URL", c.RedisURL)
	if v := getenv("CORS_ALLOWED_ORIGINS", ""); v != "" {
		c.CORSAllowedOrigins = splitList(v)
	}
	c.CORSAllowCredentials = getenv("CORS_ALLOW_CREDENTIALS", strconv.FormatBool(c.CORSAllowCredentials)) == "true"

	c.JWTSecret = getenv("JWT_SECRET", c.JWTSecret)
	c.AdminEmail = getenv("ADMIN_EMAIL", c.AdminEmail)
	c.AdminPasswordHash = getenv("ADMIN_PASSWORD_HASH", c.AdminPasswordHash)
	c.StripeSecretKey = getenv("STRIPE_SECRET_KEY", c.StripeSecretKey)
	c.StripeWebhookSecret = getenv("STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret)

	c.SendGridAPIKey = getenv("SENDGRID_API_KEY", c.SendGridAPIKey)
	c.EmailFrom = getenv("EMAIL_FROM", c.EmailFrom)
	c.EmailFromName = getenv("EMAIL_FROM_NAME", c.EmailFromName)
	c.AppURL = getenv("APP_URL", c.AppURL)

	if v := getenv("KAFKA_BROKERS", ""); v != "" {
		c.KafkaBrokers = splitList(v)
	}
	c.Topics.PaymentFailed = getenv("TOPIC_PAYMENT_FAILED", c.Topics.PaymentFailed)
	c.Topics.PaymentSuccess = getenv("TOPIC_PAYMENT_SUCCESS", c.Topics.PaymentSuccess)
	c.Topics.SubscriptionCanceled = getenv("TOPIC_SUBSCRIPTION_CANCELED", c.Topics.SubscriptionCanceled)
	c.Topics.AdminAlerts = getenv("TOPIC_ADMIN_ALERTS", c.Topics.AdminAlerts)

	c.Retry.Queue = getenv("RETRY_QUEUE", c.Retry.Queue)
	c.Retry.DeadLetterQueue = getenv("DEAD_LETTER_QUEUE", c.Retry.DeadLetterQueue)

	ints := []struct {
		key string
		dst *int
	}{
		{"RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts},
		{"RETRY_BATCH_SIZE", &c.Retry.BatchSize},
	}
	for _, i := range ints {
		v := getenv(i.key, "")
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.key, err)
		}
		*i.dst = n
	}

	if v := getenv("RETRY_DELAYS", ""); v != "" {
		delays, err := parseDurations(splitList(v))
		if err != nil {
			return fmt.Errorf("RETRY_DELAYS: %w", err)
		}
		c.Retry.Delays = delays
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RETRY_MAX_DELAY", &c.Retry.MaxDelay},
		{"RETRY_WAIT_TIME", &c.Retry.WaitTime},
		{"RETRY_VISIBILITY_TIMEOUT", &c.Retry.VisibilityTimeout},
		{"EVENT_DEDUP_TTL", &c.EventDedupTTL},
	}
	for _, d := range durations {
		v := getenv(d.key, "")
		if v == "" {
			continue
		}
		parsed, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getenv("LOG_FORMAT", c.LogFormat)
	return nil
}

// Validate checks settings that would break the pipeline at runtime.
func (c Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BatchSize < 1 || c.Retry.BatchSize > 10 {
		return fmt.Errorf("retry batch size must be between 1 and 10, got %d", c.Retry.BatchSize)
	}
	if c.Retry.WaitTime < 0 || c.Retry.WaitTime > 20*time.Second {
		return fmt.Errorf("retry wait time must be between 0 and 20s, got %s", c.Retry.WaitTime)
	}
	if c.Retry.VisibilityTimeout <= 0 {
		return fmt.Errorf("retry visibility timeout must be positive")
	}
	if c.Retry.Queue == "" || c.Retry.DeadLetterQueue == "" {
		return fmt.Errorf("retry and dead letter queue names are required")
	}
	if err := retry.ValidateDelays(c.Retry.Delays); err != nil {
		return err
	}
	return nil
}

// Require reports every named setting that is empty.
func (c Config) Require(keys ...string) error {
	values := map[string]string{
		"DATABASE_URL":          c.DatabaseURL,
		"JWT_SECRET":            c.JWTSecret,
		"ADMIN_EMAIL":           c.AdminEmail,
		"ADMIN_PASSWORD_HASH":   c.AdminPasswordHash,
		"STRIPE_SECRET_KEY":     c.StripeSecretKey,
		"STRIPE_WEBHOOK_SECRET": c.StripeWebhookSecret,
	}
	var missing []string
	for _, k := range keys {
		if strings.TrimSpace(values[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing env: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Backoff builds the retry delay policy.
func (c Config) Backoff() (retry.Backoff, error) {
	return retry.NewBackoff(c.Retry.Delays, c.Retry.MaxDelay)
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseDuration accepts Go durations ("15m") or bare seconds ("900").
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func parseDurations(vals []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(vals))
	for _, v := range vals {
		d, err := parseDuration(v)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
