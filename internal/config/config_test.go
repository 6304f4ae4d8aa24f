package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SWEEPER_INTERVAL", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Sweeper.Interval)
	assert.Equal(t, 15*time.Minute, cfg.Sweeper.Deadline)
	assert.Equal(t, 100, cfg.Sweeper.BatchSize)
	assert.True(t, cfg.Sweeper.Enabled)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, "bookstore.order-events", cfg.Kafka.OrderEventsTopic)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SWEEPER_INTERVAL", "30s")
	t.Setenv("SWEEPER_DEADLINE", "20m")
	t.Setenv("SWEEPER_ENABLED", "false")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, 20*time.Minute, cfg.Sweeper.Deadline)
	assert.False(t, cfg.Sweeper.Enabled)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 7, cfg.Database.MaxOpenConns)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "many")
	t.Setenv("SWEEPER_DEADLINE", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 15*time.Minute, cfg.Sweeper.Deadline)
}

func TestLoad_HostedPaymentNeedsSecret(t *testing.T) {
	t.Setenv("PAYMENT_HOSTED_URL", "https://pay.example.com/checkout")
	t.Setenv("PAYMENT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYMENT_SECRET")
}

func TestLoad_RejectsNonPositiveBatch(t *testing.T) {
	t.Setenv("SWEEPER_BATCH_SIZE", "0")

	_, err := Load()
	require.Error(t, err)
}
