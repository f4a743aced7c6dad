package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	DatabaseURL     string `env:"DATABASE_URL,required,notEmpty"`
	MigrationsPath  string `env:"MIGRATIONS_PATH" envDefault:"file://db/migrations"`
	MigrationsTable string `env:"MIGRATIONS_TABLE" envDefault:"settlement_schema_migrations"`
	HTTPAddr        string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`

	CommissionRate      string        `env:"COMMISSION_RATE" envDefault:"0.20"`
	EscrowHold          time.Duration `env:"ESCROW_HOLD" envDefault:"24h"`
	EscrowSweepInterval time.Duration `env:"ESCROW_SWEEP_INTERVAL" envDefault:"1m"`
	IdempotencyTTL      time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`

	Gateway GatewayConfig `envPrefix:"RAZORPAY_"`
	Breaker BreakerConfig `envPrefix:"BREAKER_"`
	Kafka   KafkaConfig   `envPrefix:"KAFKA_"`
	Outbox  OutboxConfig  `envPrefix:"OUTBOX_"`
	SMTP    SMTPConfig
}

type GatewayConfig struct {
	KeyID         string `env:"KEY_ID"`
	KeySecret     string `env:"KEY_SECRET"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	BaseURL       string `env:"BASE_URL" envDefault:"https://api.razorpay.com"`
	Currency      string `env:"CURRENCY" envDefault:"INR"`
}

// Enabled reports whether gateway credentials are configured.
func (g GatewayConfig) Enabled() bool {
	return g.KeyID != "" && g.KeySecret != ""
}

type BreakerConfig struct {
	Window         time.Duration `env:"WINDOW" envDefault:"10s"`
	Buckets        int           `env:"BUCKETS" envDefault:"10"`
	ErrorThreshold float64       `env:"ERROR_THRESHOLD" envDefault:"0.5"`
	MinRequests    int           `env:"MIN_REQUESTS" envDefault:"5"`
	CallTimeout    time.Duration `env:"CALL_TIMEOUT" envDefault:"5s"`
	ResetTimeout   time.Duration `env:"RESET_TIMEOUT" envDefault:"30s"`
	HalfOpenProbes uint32        `env:"HALF_OPEN_PROBES" envDefault:"3"`
}

type KafkaConfig struct {
	BootstrapServers string `env:"BOOTSTRAP_SERVERS"`
	GroupID          string `env:"GROUP_ID" envDefault:"settlement_service_group"`
	CallbackTopic    string `env:"CALLBACK_TOPIC" envDefault:"gateway_callbacks"`
	BuyerTopic       string `env:"BUYER_TOPIC" envDefault:"successful_payments"`
	SellerTopic      string `env:"SELLER_TOPIC" envDefault:"seller_sales"`
}

// Enabled reports whether a broker is configured.
func (k KafkaConfig) Enabled() bool {
	return k.Servers() != ""
}

// Servers returns the bootstrap servers without surrounding quotes.
func (k KafkaConfig) Servers() string {
	return strings.Trim(k.BootstrapServers, "\"")
}

type OutboxConfig struct {
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"100"`
}

type SMTPConfig struct {
	Host            string   `env:"SMTP_HOST"`
	Port            string   `env:"SMTP_PORT"`
	User            string   `env:"SMTP_USER"`
	Password        string   `env:"SMTP_PASSWORD"`
	From            string   `env:"MAIL_FROM"`
	AlertRecipients []string `env:"ALERT_RECIPIENTS" envSeparator:","`
}

// Enabled reports whether email alerting can be used.
func (s SMTPConfig) Enabled() bool {
	return s.Host != "" && s.Port != "" && s.From != "" && len(s.AlertRecipients) > 0
}

// Load reads .env files (if present) and parses the environment.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			log.WithField("file", f).Warn("Could not load .env file.")
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	b := c.Breaker
	if b.Buckets <= 0 || b.Window <= 0 {
		return fmt.Errorf("breaker window and buckets must be positive")
	}
	if b.ErrorThreshold <= 0 || b.ErrorThreshold > 1 {
		return fmt.Errorf("breaker error threshold must be within (0, 1]")
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox batch size must be positive")
	}
	return nil
}

// MigrationURL appends the migrations table parameter so this service does
// not share a migrations table with other services on the same database.
func (c Config) MigrationURL() string {
	sep := "?"
	if strings.Contains(c.DatabaseURL, "?") {
		sep = "&"
	}
	return c.DatabaseURL + sep + "x-migrations-table=" + c.MigrationsTable
}
