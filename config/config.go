package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Feed modes.
const (
	FeedSynthetic = "synthetic"
	FeedLive      = "live"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Market data
	FeedMode          string        `envconfig:"FEED_MODE" default:"synthetic"`
	SyntheticInterval time.Duration `envconfig:"SYNTHETIC_INTERVAL" default:"5s"`
	SyntheticDriftPct float64       `envconfig:"SYNTHETIC_DRIFT_PCT" default:"0.5"`
	ReconnectAttempts int           `envconfig:"RECONNECT_ATTEMPTS" default:"5"`
	ReconnectBackoff  time.Duration `envconfig:"RECONNECT_BACKOFF" default:"5s"`
	QuoteRatePerSec   float64       `envconfig:"QUOTE_RATE_PER_SEC" default:"1"`

	// Angel One credentials, required in live mode
	AngelAPIKey       string `envconfig:"ANGEL_API_KEY"`
	AngelClientCode   string `envconfig:"ANGEL_CLIENT_CODE"`
	AngelPassword     string `envconfig:"ANGEL_PASSWORD"`
	AngelTOTPSecret   string `envconfig:"ANGEL_TOTP_SECRET"`
	AngelExchangeType int    `envconfig:"ANGEL_EXCHANGE_TYPE" default:"2"`

	// Infrastructure
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"data/paper_orders.db"`
	RedisAddr     string `envconfig:"REDIS_ADDR"` // empty disables
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	HTTPAddr      string `envconfig:"HTTP_ADDR" default:":8080"`
	MetricsAddr   string `envconfig:"METRICS_ADDR" default:":9090"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`

	// Notification sinks, empty disables
	WebhookURL       string `envconfig:"WEBHOOK_URL"`
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `envconfig:"TELEGRAM_CHAT_ID"`

	// Order defaults
	DefaultAccountID      string `envconfig:"DEFAULT_ACCOUNT_ID" default:"XJZE1"`
	DefaultSegment        string `envconfig:"DEFAULT_SEGMENT" default:"nse_fo"`
	DefaultInstrumentType string `envconfig:"DEFAULT_INSTRUMENT_TYPE" default:"OPTIDX"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}
	cfg.FeedMode = strings.ToLower(strings.TrimSpace(cfg.FeedMode))
	return &cfg, nil
}

// Validate reports every invalid or missing setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.FeedMode {
	case FeedSynthetic:
	case FeedLive:
		for key, v := range map[string]string{
			"ANGEL_API_KEY":     c.AngelAPIKey,
			"ANGEL_CLIENT_CODE": c.AngelClientCode,
			"ANGEL_PASSWORD":    c.AngelPassword,
			"ANGEL_TOTP_SECRET": c.AngelTOTPSecret,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("%s is required when FEED_MODE=live", key))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("FEED_MODE must be %q or %q, got %q", FeedSynthetic, FeedLive, c.FeedMode))
	}
	if c.SyntheticInterval <= 0 {
		errs = append(errs, errors.New("SYNTHETIC_INTERVAL must be positive"))
	}
	if c.SyntheticDriftPct <= 0 || c.SyntheticDriftPct >= 100 {
		errs = append(errs, errors.New("SYNTHETIC_DRIFT_PCT must be in (0, 100)"))
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("RECONNECT_ATTEMPTS must not be negative"))
	}
	if c.QuoteRatePerSec <= 0 {
		errs = append(errs, errors.New("QUOTE_RATE_PER_SEC must be positive"))
	}
	if c.SQLitePath == "" {
		errs = append(errs, errors.New("SQLITE_PATH is required"))
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}
	return errors.Join(errs...)
}

// Live reports whether the live market feed is selected.
func (c *Config) Live() bool { return c.FeedMode == FeedLive }
