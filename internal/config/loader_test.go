package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, DefaultReducerQueueDepth, cfg.Store.ReducerQueueDepth)
	assert.Equal(t, DefaultSubscriberQueueSize, cfg.Fabric.SubscriberQueueSize)
	assert.Equal(t, 72*time.Hour, cfg.Fabric.EventRetention)
	assert.Equal(t, 30*time.Second, cfg.Request.DefaultDeadline)
	assert.Equal(t, 300*time.Second, cfg.Request.MaxDeadline)
	assert.Equal(t, filepath.Join(dir, "agora.db"), cfg.Store.URI)
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  host: 0.0.0.0
  port: 9001
  transport: sse
fabric:
  eventRetention: 24h
  subscriberQueueSize: 64
  sweepInterval: 1m
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "sse", cfg.Server.Transport)
	assert.Equal(t, 24*time.Hour, cfg.Fabric.EventRetention)
	assert.Equal(t, 64, cfg.Fabric.SubscriberQueueSize)

	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultReducerQueueDepth, cfg.Store.ReducerQueueDepth)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero reducer queue", func(c *Config) { c.Store.ReducerQueueDepth = 0 }},
		{"zero subscriber queue", func(c *Config) { c.Fabric.SubscriberQueueSize = 0 }},
		{"zero retention", func(c *Config) { c.Fabric.EventRetention = 0 }},
		{"max below default deadline", func(c *Config) { c.Request.MaxDeadline = time.Second }},
		{"unknown transport", func(c *Config) { c.Server.Transport = "carrier-pigeon" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(t.TempDir())
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: ["), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}
