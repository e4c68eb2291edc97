package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

// Config is loaded from the environment. List values such as the forwarding
// rules are separated with "|".
type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	SecretsKey  string `env:"SECRETS_KEY,required=true"`

	APIPort        int    `env:"API_PORT,default=8080"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
	LogEncoding    string `env:"LOG_ENCODING,default=json"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=smshook"`

	WorkerConcurrency    int `env:"WORKER_CONCURRENCY,default=4"`
	PollIntervalMillis   int `env:"POLL_INTERVAL_MS,default=1000"`
	MaxAttempts          int `env:"MAX_ATTEMPTS,default=5"`
	RetryBaseSeconds     int `env:"RETRY_BASE_SECONDS,default=30"`
	WebhookTimeoutSecs   int `env:"WEBHOOK_TIMEOUT_SECONDS,default=60"`
	BreakerThreshold     int `env:"BREAKER_THRESHOLD,default=5"`
	BreakerCooldownSecs  int `env:"BREAKER_COOLDOWN_SECONDS,default=30"`
	RateLimitPerSec      int `env:"RATE_LIMIT_PER_SEC,default=10"`
	LocalRatePerSec      int `env:"LOCAL_RATE_PER_SEC,default=5"`
	LocalBurst           int `env:"LOCAL_BURST,default=5"`
	USSDConsumerPrefetch int `env:"USSD_PREFETCH,default=1"`

	LogCapacity           int    `env:"LOG_CAPACITY,default=500"`
	BackupPath            string `env:"BACKUP_PATH,default=data/deliveries.json"`
	BackupIntervalMinutes int    `env:"BACKUP_INTERVAL_MINUTES,default=30"`

	ForwardingEnabled  bool     `env:"FORWARDING_ENABLED,default=true"`
	DedupWindowSeconds int      `env:"DEDUP_WINDOW_SECONDS,default=30"`
	DedupCapacity      int      `env:"DEDUP_CAPACITY,default=100"`
	RuleSenderContains []string `env:"RULE_SENDER_CONTAINS"`
	RuleBodyIncludes   []string `env:"RULE_BODY_INCLUDES"`
	RuleBodyExcludes   []string `env:"RULE_BODY_EXCLUDES"`
	RuleOverrideURL    string   `env:"RULE_OVERRIDE_URL"`
	DefaultSlot        int      `env:"DEFAULT_SLOT,default=-1"`

	DefaultWebhookURL      string `env:"DEFAULT_WEBHOOK_URL"`
	DefaultWebhookSecret   string `env:"DEFAULT_WEBHOOK_SECRET"`
	DefaultWebhookPriority int    `env:"DEFAULT_WEBHOOK_PRIORITY,default=0"`

	ConnectivityProbeURL string `env:"CONNECTIVITY_PROBE_URL"`

	Vendor   string `env:"VENDOR,default=smshook"`
	DeviceID string `env:"DEVICE_ID"`

	USSDAPIURL         string `env:"USSD_API_URL"`
	DialerURL          string `env:"DIALER_URL"`
	ForwardUSSDResults bool   `env:"FORWARD_USSD_RESULTS,default=true"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.RuleSenderContains = compact(cfg.RuleSenderContains)
	cfg.RuleBodyIncludes = compact(cfg.RuleBodyIncludes)
	cfg.RuleBodyExcludes = compact(cfg.RuleBodyExcludes)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	required := map[string]string{
		"DATABASE_DSN": c.DatabaseDSN,
		"RABBITMQ_URL": c.RabbitMQURL,
		"REDIS_URL":    c.RedisURL,
		"SECRETS_KEY":  c.SecretsKey,
	}
	for name, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}

	positive := map[string]int{
		"MAX_ATTEMPTS":             c.MaxAttempts,
		"LOG_CAPACITY":             c.LogCapacity,
		"WORKER_CONCURRENCY":       c.WorkerConcurrency,
		"RETRY_BASE_SECONDS":       c.RetryBaseSeconds,
		"WEBHOOK_TIMEOUT_SECONDS":  c.WebhookTimeoutSecs,
		"BREAKER_THRESHOLD":        c.BreakerThreshold,
		"BREAKER_COOLDOWN_SECONDS": c.BreakerCooldownSecs,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, value)
		}
	}
	if (c.USSDAPIURL == "") != (c.DialerURL == "") {
		return fmt.Errorf("USSD_API_URL and DIALER_URL must be set together")
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseSeconds) * time.Second
}

func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSecs) * time.Second
}

func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSecs) * time.Second
}

func (c *Config) BackupInterval() time.Duration {
	return time.Duration(c.BackupIntervalMinutes) * time.Minute
}

func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

// USSDEnabled reports whether the job API and dialer are configured.
func (c *Config) USSDEnabled() bool {
	return c.USSDAPIURL != "" && c.DialerURL != ""
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
