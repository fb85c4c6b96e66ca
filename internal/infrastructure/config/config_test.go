package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeClampsTunables(t *testing.T) {
	cfg := &Config{}
	cfg.Stats.IntervalSec = 1
	cfg.Stream.MinIntervalMs = 10
	cfg.Stream.MaxIntervalMs = 99999
	cfg.Stream.DefaultIntervalMs = 1
	cfg.Update.DefaultChannel = "nightly"
	cfg.Routing.Mode = "everything"

	cfg.normalize()

	assert.Equal(t, 5, cfg.Stats.IntervalSec)
	assert.Equal(t, 500, cfg.Stream.MinIntervalMs)
	assert.Equal(t, 10000, cfg.Stream.MaxIntervalMs)
	assert.Equal(t, 500, cfg.Stream.DefaultIntervalMs)
	assert.Equal(t, "stable", cfg.Update.DefaultChannel)
	assert.Equal(t, "smart", cfg.Routing.Mode)
	assert.Equal(t, 10, cfg.Lifecycle.IntervalSec)
	assert.Equal(t, 100, cfg.Reconcile.DebounceMs)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Skipf("config load unavailable in this environment: %v", err)
	}
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "smart", cfg.Routing.Mode)
	assert.Equal(t, 62789, cfg.Xray.APIPort)
	assert.True(t, cfg.Update.RequireCanaryBeforeFull)
}
