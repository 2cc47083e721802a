package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FUNNEL_SEQUENCE_MODE", "")
	t.Setenv("PAYMENT_PROVIDER", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, SequenceFrozen, cfg.Funnel.SequenceMode)
	assert.Equal(t, "simulated", cfg.Payment.Provider)
	assert.Equal(t, "usd", cfg.Payment.Currency)
	assert.Equal(t, 10*time.Second, cfg.Funnel.SessionLockTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FUNNEL_SEQUENCE_MODE", "DYNAMIC")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("REAPER_IDLE_TTL", "1h")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("PAYMENT_SIMULATED_SUCCESS_RATE", "0.5")

	cfg := Load()

	assert.Equal(t, SequenceDynamic, cfg.Funnel.SequenceMode)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, time.Hour, cfg.Reaper.IdleTTL)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 0.5, cfg.Payment.SimulatedSuccess)
}

func TestUnknownSequenceModeFallsBackToFrozen(t *testing.T) {
	t.Setenv("FUNNEL_SEQUENCE_MODE", "sometimes")
	assert.Equal(t, SequenceFrozen, Load().Funnel.SequenceMode)
}
