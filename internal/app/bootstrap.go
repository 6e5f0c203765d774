// Package app bootstraps the marketplace core: it loads configuration,
// initializes logging, stands every component up behind the central API
// registry, and runs the tool server until shutdown.
package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"agora/internal/audit"
	"agora/internal/authority"
	"agora/internal/config"
	"agora/internal/coordinator"
	"agora/internal/fabric"
	"agora/internal/identity"
	"agora/internal/store"
	"agora/internal/toolserver"
	"agora/pkg/logging"
)

// Options is the command-line surface of the bootstrap. Zero values
// defer to the configuration file.
type Options struct {
	// DataDir holds the store, the identity registry and config.yaml.
	DataDir string

	// Debug enables debug-level logging.
	Debug bool

	// Silent suppresses all log output (stdio transport needs a clean
	// stdout).
	Silent bool

	// Port, Transport and MetricsPort override the server section of
	// the configuration file when non-zero.
	Port        int
	Transport   string
	MetricsPort int
}

// Application is the assembled marketplace core.
type Application struct {
	cfg      config.Config
	registry *prometheus.Registry

	store       *store.Store
	verifier    *identity.Verifier
	engine      *authority.Engine
	fabric      *fabric.Fabric
	coordinator *coordinator.Coordinator
	server      *toolserver.Server
}

// NewApplication performs the bootstrap sequence: logging, config,
// then every component registered in dependency order. The store comes
// up first because the authority engine restores a persisted halt from
// it.
func NewApplication(opts Options) (*Application, error) {
	logLevel := logging.LevelInfo
	if opts.Debug {
		logLevel = logging.LevelDebug
	}
	var logOutput io.Writer = os.Stderr
	if opts.Silent {
		logOutput = io.Discard
	}
	logging.Init(logLevel, logOutput)

	cfg, err := config.Load(opts.DataDir)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to load configuration from %s", opts.DataDir)
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}
	if opts.Transport != "" {
		cfg.Server.Transport = opts.Transport
	}
	if opts.MetricsPort != 0 {
		cfg.Server.MetricsPort = opts.MetricsPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()

	s, err := store.Open(store.Options{
		URI:               cfg.Store.URI,
		ReducerQueueDepth: cfg.Store.ReducerQueueDepth,
		Registerer:        registry,
	})
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to open coordination store at %s", cfg.Store.URI)
		return nil, fmt.Errorf("failed to open coordination store: %w", err)
	}
	store.NewAdapter(s).Register()

	engine := authority.New()
	if halted, reason, herr := s.HaltedReason(context.Background()); herr == nil && halted {
		logging.Warn("Bootstrap", "restoring persisted emergency halt: %s", reason)
		engine.Halt(reason)
	}
	authority.NewAdapter(engine).Register()

	audit.NewAdapter(audit.New(s.DB())).Register()

	fab := fabric.New(fabric.Options{
		SubscriberQueueSize: cfg.Fabric.SubscriberQueueSize,
		Registerer:          registry,
	})
	fabric.NewAdapter(fab).Register()

	verifier, err := identity.NewVerifier(cfg.IdentityRegistryPath())
	if err != nil {
		s.Close()
		return nil, err
	}
	identity.NewAdapter(verifier).Register()

	coord := coordinator.New(cfg.Coordinator, registry)
	coordinator.NewAdapter(coord).Register()

	provider := toolserver.NewProvider(cfg.Request)
	server := toolserver.NewServer(cfg.Server, provider, registry)

	logging.Info("Bootstrap", "agora core assembled (data %s, transport %s, port %d)",
		cfg.DataDir, cfg.Server.Transport, cfg.Server.Port)

	return &Application{
		cfg:         cfg,
		registry:    registry,
		store:       s,
		verifier:    verifier,
		engine:      engine,
		fabric:      fab,
		coordinator: coord,
		server:      server,
	}, nil
}

// Config returns the effective configuration.
func (a *Application) Config() config.Config {
	return a.cfg
}

// Run starts the background loops and the tool server, then blocks
// until ctx is cancelled and everything has shut down.
func (a *Application) Run(ctx context.Context) error {
	group, runCtx := errgroup.WithContext(ctx)

	if err := a.verifier.Watch(runCtx); err != nil {
		return err
	}

	group.Go(func() error {
		err := a.coordinator.Start(runCtx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	group.Go(func() error {
		a.fabric.RunSweeper(runCtx, a.cfg.Fabric.EventRetention, a.cfg.Fabric.SweepInterval)
		return nil
	})

	if err := a.server.Start(runCtx); err != nil {
		return err
	}

	<-runCtx.Done()
	logging.Info("Bootstrap", "shutting down")

	shutdownCtx := context.Background()
	if err := a.server.Stop(shutdownCtx); err != nil {
		logging.Error("Bootstrap", err, "tool server shutdown failed")
	}
	if err := group.Wait(); err != nil {
		logging.Error("Bootstrap", err, "background loop failed")
	}
	if err := a.store.Close(); err != nil {
		logging.Error("Bootstrap", err, "store close failed")
	}
	return nil
}
