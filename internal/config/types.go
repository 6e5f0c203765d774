// Package config loads and validates the per-process configuration of
// the agora marketplace core.
//
// Configuration is layered: built-in defaults, then an optional
// config.yaml in the data directory, then command-line flags. All
// durations accept Go duration syntax ("72h", "30s").
package config

import "time"

// ServerConfig configures the tool-server transport.
type ServerConfig struct {
	// Host and Port of the tool server endpoint.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Transport selects the wire transport: "streamable-http", "sse"
	// or "stdio".
	Transport string `yaml:"transport"`

	// MetricsPort serves prometheus metrics; 0 disables the endpoint.
	MetricsPort int `yaml:"metricsPort"`
}

// StoreConfig configures the coordination store.
type StoreConfig struct {
	// URI is the sqlite database location. ":memory:" keeps the store
	// in process memory (tests only).
	URI string `yaml:"uri"`

	// ReducerQueueDepth bounds the single-writer queue; enqueues beyond
	// it fail with Overloaded.
	ReducerQueueDepth int `yaml:"reducerQueueDepth"`
}

// FabricConfig configures the event fabric.
type FabricConfig struct {
	// EventRetention is the window after which events are pruned and
	// cursors expire.
	EventRetention time.Duration `yaml:"eventRetention"`

	// SubscriberQueueSize bounds each per-agent delivery queue.
	SubscriberQueueSize int `yaml:"subscriberQueueSize"`

	// SweepInterval is how often the retention sweeper runs.
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// CoordinatorConfig configures workflow scheduling.
type CoordinatorConfig struct {
	// TickInterval bounds how long an unassignable step waits before
	// the scheduler retries, and how quickly overdue tasks are failed.
	TickInterval time.Duration `yaml:"tickInterval"`

	// TaskRetryMax is the number of retries a failed step is granted.
	TaskRetryMax int `yaml:"taskRetryMax"`

	// TaskRetryBackoff is the base of the exponential retry backoff.
	TaskRetryBackoff time.Duration `yaml:"taskRetryBackoff"`
}

// RequestConfig bounds per-request deadlines.
type RequestConfig struct {
	DefaultDeadline time.Duration `yaml:"defaultDeadline"`
	MaxDeadline     time.Duration `yaml:"maxDeadline"`
}

// Config is the complete process configuration.
type Config struct {
	// DataDir holds the sqlite store, the identity registry and any
	// exported audit snapshots.
	DataDir string `yaml:"dataDir"`

	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Fabric      FabricConfig      `yaml:"fabric"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Request     RequestConfig     `yaml:"request"`
}
