package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/notes")

	cfg, err := Load(t.TempDir() + "/missing.env")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "0.20", cfg.CommissionRate)
	assert.Equal(t, 24*time.Hour, cfg.EscrowHold)
	assert.Equal(t, 10*time.Second, cfg.Breaker.Window)
	assert.Equal(t, 10, cfg.Breaker.Buckets)
	assert.Equal(t, 0.5, cfg.Breaker.ErrorThreshold)
	assert.Equal(t, 5, cfg.Breaker.MinRequests)
	assert.Equal(t, 5*time.Second, cfg.Breaker.CallTimeout)
	assert.Equal(t, 30*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, "successful_payments", cfg.Kafka.BuyerTopic)
	assert.False(t, cfg.Gateway.Enabled())
	assert.False(t, cfg.Kafka.Enabled())
	assert.False(t, cfg.SMTP.Enabled())
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load(t.TempDir() + "/missing.env")
	assert.Error(t, err)
}

func TestLoadNestedPrefixes(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/notes")
	t.Setenv("RAZORPAY_KEY_ID", "rzp_test")
	t.Setenv("RAZORPAY_KEY_SECRET", "secret")
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "\"broker:9092\"")
	t.Setenv("ALERT_RECIPIENTS", "ops@example.com,oncall@example.com")
	t.Setenv("BREAKER_MIN_REQUESTS", "8")

	cfg, err := Load(t.TempDir() + "/missing.env")
	require.NoError(t, err)

	assert.True(t, cfg.Gateway.Enabled())
	assert.Equal(t, "broker:9092", cfg.Kafka.Servers())
	assert.Equal(t, []string{"ops@example.com", "oncall@example.com"}, cfg.SMTP.AlertRecipients)
	assert.Equal(t, 8, cfg.Breaker.MinRequests)
}

func TestLoadRejectsBadBreakerThreshold(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/notes")
	t.Setenv("BREAKER_ERROR_THRESHOLD", "1.5")

	_, err := Load(t.TempDir() + "/missing.env")
	assert.Error(t, err)
}

func TestMigrationURL(t *testing.T) {
	cfg := Config{DatabaseURL: "postgres://h/db", MigrationsTable: "m"}
	assert.Equal(t, "postgres://h/db?x-migrations-table=m", cfg.MigrationURL())

	cfg.DatabaseURL = "postgres://h/db?sslmode=disable"
	assert.Equal(t, "postgres://h/db?sslmode=disable&x-migrations-table=m", cfg.MigrationURL())
}
