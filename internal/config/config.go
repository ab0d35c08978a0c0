package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/outreach/internal/ratelimit"
)

// EnvPrefix prefixes environment overrides, e.g. OUTREACH_STORAGE_PATH
const EnvPrefix = "OUTREACH_"

// Config is the main configuration structure
type Config struct {
	Storage  StorageConfig            `yaml:"storage" envPrefix:"STORAGE_"`
	Logging  LoggingConfig            `yaml:"logging" envPrefix:"LOGGING_"`
	Delivery DeliveryConfig           `yaml:"delivery" envPrefix:"DELIVERY_"`
	Quality  QualityConfig            `yaml:"quality" envPrefix:"QUALITY_"`
	Metrics  MetricsConfig            `yaml:"metrics" envPrefix:"METRICS_"`
	Accounts map[string]AccountConfig `yaml:"accounts"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // json, text
}

// DeliveryConfig contains scheduler and processor settings
type DeliveryConfig struct {
	Schedule     string        `yaml:"schedule" env:"SCHEDULE"`           // cron spec, default @every 1m
	SendDelay    time.Duration `yaml:"send_delay" env:"SEND_DELAY"`       // pause between sends
	SendTimeout  time.Duration `yaml:"send_timeout" env:"SEND_TIMEOUT"`   // per-send transport timeout
	ClaimTimeout time.Duration `yaml:"claim_timeout" env:"CLAIM_TIMEOUT"` // stale claim age
}

// QualityConfig contains content scoring settings
type QualityConfig struct {
	LexiconFile string `yaml:"lexicon_file" env:"LEXICON_FILE"` // imported on serve start
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	ListenAddr      string        `yaml:"listen_addr" env:"LISTEN_ADDR"` // Default: :9090
	Path            string        `yaml:"path" env:"PATH"`               // Default: /metrics
	CollectInterval time.Duration `yaml:"collect_interval"`              // Default: 15s
	AllowedIPs      []string      `yaml:"allowed_ips"`                   // IPs/CIDRs allowed to scrape
}

// AccountConfig describes one sending account
type AccountConfig struct {
	Provider  string                 `yaml:"provider"` // smtp, sendgrid, log
	FromEmail string                 `yaml:"from_email"`
	FromName  string                 `yaml:"from_name"`
	SMTP      SMTPAccountConfig      `yaml:"smtp"`
	SendGrid  SendGridAccountConfig  `yaml:"sendgrid"`
	DKIM      *DKIMConfig            `yaml:"dkim"`
	RateLimit *ratelimit.LimitConfig `yaml:"rate_limit"`
}

// SMTPAccountConfig contains relay settings of an smtp account
type SMTPAccountConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	TLS                string        `yaml:"tls"` // none, starttls, implicit
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// SendGridAccountConfig contains API settings of a sendgrid account
type SendGridAccountConfig struct {
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Category string `yaml:"category"`
}

// DKIMConfig contains DKIM signing settings of an account
type DKIMConfig struct {
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// Providers
const (
	ProviderSMTP     = "smtp"
	ProviderSendGrid = "sendgrid"
	ProviderLog      = "log"
)

// Load loads configuration from a YAML file and applies environment
// overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/outreach/outreach.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Delivery.Schedule == "" {
		c.Delivery.Schedule = "@every 1m"
	}
	if c.Delivery.SendDelay == 0 {
		c.Delivery.SendDelay = time.Second
	}
	if c.Delivery.SendTimeout == 0 {
		c.Delivery.SendTimeout = 2 * time.Minute
	}
	if c.Delivery.ClaimTimeout == 0 {
		c.Delivery.ClaimTimeout = 15 * time.Minute
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 15 * time.Second
	}

	for id, acc := range c.Accounts {
		if acc.Provider == ProviderSMTP {
			if acc.SMTP.TLS == "" {
				acc.SMTP.TLS = "starttls"
			}
			if acc.SMTP.Port == 0 {
				switch acc.SMTP.TLS {
				case "implicit":
					acc.SMTP.Port = 465
				case "none":
					acc.SMTP.Port = 25
				default:
					acc.SMTP.Port = 587
				}
			}
		}
		c.Accounts[id] = acc
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Delivery.SendDelay < 0 {
		return fmt.Errorf("delivery.send_delay must not be negative")
	}

	for _, id := range c.AccountIDs() {
		if err := c.Accounts[id].validate(); err != nil {
			return fmt.Errorf("accounts.%s: %w", id, err)
		}
	}

	return nil
}

func (a AccountConfig) validate() error {
	if a.FromEmail == "" {
		return fmt.Errorf("from_email is required")
	}

	switch a.Provider {
	case ProviderSMTP:
		if a.SMTP.Host == "" {
			return fmt.Errorf("smtp.host is required")
		}
		switch a.SMTP.TLS {
		case "none", "starttls", "implicit":
		default:
			return fmt.Errorf("invalid smtp.tls: %s (must be none, starttls, or implicit)", a.SMTP.TLS)
		}
	case ProviderSendGrid:
		if a.SendGrid.APIKey == "" {
			return fmt.Errorf("sendgrid.api_key is required")
		}
	case ProviderLog:
	default:
		return fmt.Errorf("invalid provider: %q (must be smtp, sendgrid, or log)", a.Provider)
	}

	if a.DKIM != nil {
		if a.DKIM.Domain == "" || a.DKIM.Selector == "" || a.DKIM.KeyFile == "" {
			return fmt.Errorf("dkim requires domain, selector and key_file")
		}
	}

	return nil
}

// AccountIDs returns configured account ids in sorted order
func (c *Config) AccountIDs() []string {
	ids := make([]string, 0, len(c.Accounts))
	for id := range c.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RateLimits returns the per-account send caps of accounts that set them
func (c *Config) RateLimits() map[string]ratelimit.LimitConfig {
	limits := make(map[string]ratelimit.LimitConfig)
	for id, acc := range c.Accounts {
		if acc.RateLimit != nil {
			limits[id] = *acc.RateLimit
		}
	}
	return limits
}
