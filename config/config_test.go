package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("QR_SECRET", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.True(t, cfg.Database.RunMigrations)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "redemption-events", cfg.Kafka.Topic)
	assert.Equal(t, 24*time.Hour, cfg.Business.IdempotencyTTL)
	assert.Equal(t, 3, cfg.Business.TxMaxAttempts)
	assert.Equal(t, 20*time.Millisecond, cfg.Business.TxInitialBackoff)
	assert.Equal(t, devQRSecret, cfg.Business.QRSecret)
	assert.Equal(t, 5*time.Minute, cfg.Business.CodeReservationTTL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("RUN_MIGRATIONS", "false")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("TX_MAX_ATTEMPTS", "5")
	t.Setenv("TX_MAX_BACKOFF_MS", "1000")
	t.Setenv("TRACE_SAMPLE_RATIO", "0.25")
	t.Setenv("QR_SECRET", "s3cret")

	cfg := Load()

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.False(t, cfg.Database.RunMigrations)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5, cfg.Business.TxMaxAttempts)
	assert.Equal(t, time.Second, cfg.Business.TxMaxBackoff)
	assert.Equal(t, 0.25, cfg.Observ.SampleRatio)
	assert.Equal(t, "s3cret", cfg.Business.QRSecret)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("TX_MAX_ATTEMPTS", "many")
	t.Setenv("RUN_MIGRATIONS", "maybe")

	cfg := Load()

	assert.Equal(t, 3, cfg.Business.TxMaxAttempts)
	assert.True(t, cfg.Database.RunMigrations)
}

func TestProductionRequiresSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("QR_SECRET", "")

	cfg := Load()

	require.Error(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	t.Setenv("QR_SECRET", "x")
	base := Load()

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no attempts", func(c *Config) { c.Business.TxMaxAttempts = 0 }},
		{"backoff inverted", func(c *Config) { c.Business.TxMaxBackoff = time.Nanosecond }},
		{"empty queue", func(c *Config) { c.Business.EventQueueSize = 0 }},
		{"reservation ttl within timeout", func(c *Config) { c.Business.CodeReservationTTL = c.Business.OperationTimeout }},
		{"no reclaim interval", func(c *Config) { c.Business.CodeReclaimInterval = 0 }},
		{"ratio above one", func(c *Config) { c.Observ.SampleRatio = 2 }},
		{"no brokers", func(c *Config) { c.Kafka.Brokers = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
