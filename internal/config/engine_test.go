package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultEngineConfigIsValid(t *testing.T) {
	cfg := DefaultEngineConfig()
	assert.NoError(t, validateEngineConfig(cfg))
	assert.Equal(t, 5, cfg.Reference.MaxAttempts)
	assert.Equal(t, 7, cfg.Reports.ExpiringDays)
}

func TestValidateEngineConfig(t *testing.T) {
	t.Run("rejects zero reference attempts", func(t *testing.T) {
		cfg := DefaultEngineConfig()
		cfg.Reference.MaxAttempts = 0
		assert.Error(t, validateEngineConfig(cfg))
	})

	t.Run("rejects non-positive expiry interval", func(t *testing.T) {
		cfg := DefaultEngineConfig()
		cfg.Expiry.Interval = 0
		assert.Error(t, validateEngineConfig(cfg))
	})

	t.Run("rejects empty kiosk burst", func(t *testing.T) {
		cfg := DefaultEngineConfig()
		cfg.Kiosk.Burst = 0
		assert.Error(t, validateEngineConfig(cfg))
	})
}

func TestStaticHolder(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.Expiry.Interval = time.Minute
	holder := NewStaticEngineConfigHolder(cfg)
	assert.Equal(t, time.Minute, holder.Get().Expiry.Interval)

	var nilHolder *EngineConfigHolder
	assert.Equal(t, DefaultEngineConfig(), nilHolder.Get())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "sqlite")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("MIGRATE_ON_START", "off")

	cfg := Load()
	assert.Equal(t, "sqlite", cfg.DBType)
	assert.True(t, cfg.Redis.Enabled())
	assert.False(t, cfg.MigrateOnStart)
}

func TestLoadTelemetryDefaults(t *testing.T) {
	t.Setenv("LOG_FORMAT", "Console")
	t.Setenv("OTEL_SAMPLING_RATIO", "not-a-number")

	cfg := Load()
	assert.Equal(t, "console", cfg.Telemetry.LogFormat)
	assert.Equal(t, 0.1, cfg.Telemetry.SamplingRatio)
	assert.Equal(t, "grpc", cfg.Telemetry.OTLPProtocol)
}
