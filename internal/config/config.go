package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/psds-microservice/escrow-service/internal/money"
	"github.com/psds-microservice/escrow-service/internal/payment"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	AppHost  string `env:"APP_HOST" envDefault:"0.0.0.0"`
	HTTPPort string `env:"APP_PORT" envDefault:"8098"`
	AppEnv   string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL"`

	DB struct {
		Host     string `env:"DB_HOST" envDefault:"localhost"`
		Port     string `env:"DB_PORT" envDefault:"5432"`
		User     string `env:"DB_USER" envDefault:"postgres"`
		Password string `env:"DB_PASSWORD" envDefault:"postgres"`
		Database string `env:"DB_DATABASE" envDefault:"escrow_service"`
		SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	}

	// StoreDriver selects the ticket store: postgres or memory.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	// RedisAddr, when set, serializes ticket updates across instances with a Redis lock.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	KafkaBrokers     string `env:"KAFKA_BROKERS"`
	KafkaTopicEvents string `env:"KAFKA_TOPIC_EVENTS" envDefault:"escrow.ticket.events"`
	KafkaTopicAudit  string `env:"KAFKA_TOPIC_AUDIT" envDefault:"escrow.ticket.audit"`

	// CallbackURL receives ticket events for the chat front end (POST <url>/escrow/events).
	CallbackURL string `env:"CALLBACK_URL"`

	PagBank struct {
		Sandbox             bool   `env:"PAGBANK_SANDBOX" envDefault:"true"`
		Token               string `env:"PAGBANK_TOKEN"`
		BaseURL             string `env:"PAGBANK_BASE_URL"`
		CustomerEmailDomain string `env:"PAGBANK_CUSTOMER_EMAIL_DOMAIN" envDefault:"escrow.local"`
		CustomerTaxID       string `env:"PAGBANK_CUSTOMER_TAX_ID"`
	}
	WebhookURL    string `env:"WEBHOOK_URL"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	ServiceFee      string        `env:"SERVICE_FEE" envDefault:"5.00"`
	ChargeExpiry    time.Duration `env:"CHARGE_EXPIRY" envDefault:"60m"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"15s"`
	CleanupDelay    time.Duration `env:"CLEANUP_DELAY" envDefault:"10m"`

	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DB.Host == "" || c.DB.Database == "" {
			return errors.New("config: DB_HOST and DB_DATABASE are required")
		}
		if c.AppEnv == "production" && c.DB.Password == "" {
			return errors.New("config: in production DB_PASSWORD is required")
		}
	case StoreDriverMemory:
		if c.AppEnv == "production" {
			return errors.New("config: STORE_DRIVER=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if _, err := c.Fee(); err != nil {
		return fmt.Errorf("config: SERVICE_FEE: %w", err)
	}
	if c.ProviderTimeout <= 0 {
		return errors.New("config: PROVIDER_TIMEOUT must be positive")
	}
	// The token also signs webhook notifications, so production never accepts them unauthenticated.
	if c.AppEnv == "production" && c.PagBank.Token == "" {
		return errors.New("config: in production PAGBANK_TOKEN is required to call PagBank and verify webhooks")
	}
	return nil
}

// Fee parses SERVICE_FEE. A zero fee is allowed.
func (c *Config) Fee() (money.Amount, error) {
	fee, err := money.Parse(c.ServiceFee)
	if err != nil {
		return 0, err
	}
	if fee < 0 {
		return 0, money.ErrInvalidAmount
	}
	return fee, nil
}

// ProviderBaseURL is PAGBANK_BASE_URL when set, otherwise the sandbox or production API.
func (c *Config) ProviderBaseURL() string {
	if c.PagBank.BaseURL != "" {
		return c.PagBank.BaseURL
	}
	if c.PagBank.Sandbox {
		return payment.PagBankSandboxURL
	}
	return payment.PagBankProductionURL
}

func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) DatabaseURL() string {
	pass := url.QueryEscape(c.DB.Password)
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DB.User, pass, c.DB.Host, c.DB.Port, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) Addr() string {
	return c.AppHost + ":" + c.HTTPPort
}
