package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirrors the values contracted in the external-interface
// section of the system documentation.
const (
	DefaultPort                = 8090
	DefaultTransport           = "streamable-http"
	DefaultReducerQueueDepth   = 256
	DefaultSubscriberQueueSize = 1024
	DefaultEventRetention      = 72 * time.Hour
	DefaultSweepInterval       = 5 * time.Minute
	DefaultTickInterval        = time.Second
	DefaultTaskRetryMax        = 3
	DefaultTaskRetryBackoff    = 30 * time.Second
	DefaultRequestDeadline     = 30 * time.Second
	MaxRequestDeadline         = 300 * time.Second
)

// DefaultConfig returns the built-in configuration rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir: dataDir,
		Server: ServerConfig{
			Host:      "localhost",
			Port:      DefaultPort,
			Transport: DefaultTransport,
		},
		Store: StoreConfig{
			URI:               filepath.Join(dataDir, "agora.db"),
			ReducerQueueDepth: DefaultReducerQueueDepth,
		},
		Fabric: FabricConfig{
			EventRetention:      DefaultEventRetention,
			SubscriberQueueSize: DefaultSubscriberQueueSize,
			SweepInterval:       DefaultSweepInterval,
		},
		Coordinator: CoordinatorConfig{
			TickInterval:     DefaultTickInterval,
			TaskRetryMax:     DefaultTaskRetryMax,
			TaskRetryBackoff: DefaultTaskRetryBackoff,
		},
		Request: RequestConfig{
			DefaultDeadline: DefaultRequestDeadline,
			MaxDeadline:     MaxRequestDeadline,
		},
	}
}

// Load reads configuration from dataDir, overlaying config.yaml on the
// defaults when present.
func Load(dataDir string) (Config, error) {
	cfg := DefaultConfig(dataDir)

	path := filepath.Join(dataDir, "config.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("malformed configuration %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Store.ReducerQueueDepth <= 0 {
		return fmt.Errorf("store.reducerQueueDepth must be positive, got %d", c.Store.ReducerQueueDepth)
	}
	if c.Fabric.SubscriberQueueSize <= 0 {
		return fmt.Errorf("fabric.subscriberQueueSize must be positive, got %d", c.Fabric.SubscriberQueueSize)
	}
	if c.Fabric.EventRetention <= 0 {
		return fmt.Errorf("fabric.eventRetention must be positive, got %s", c.Fabric.EventRetention)
	}
	if c.Request.DefaultDeadline <= 0 || c.Request.MaxDeadline < c.Request.DefaultDeadline {
		return fmt.Errorf("request deadlines misconfigured: default %s, max %s",
			c.Request.DefaultDeadline, c.Request.MaxDeadline)
	}
	switch c.Server.Transport {
	case "streamable-http", "sse", "stdio":
	default:
		return fmt.Errorf("unknown server.transport %q", c.Server.Transport)
	}
	return nil
}

// IdentityRegistryPath returns the path of the identity lock registry
// inside the data directory.
func (c *Config) IdentityRegistryPath() string {
	return filepath.Join(c.DataDir, "identities.yaml")
}
