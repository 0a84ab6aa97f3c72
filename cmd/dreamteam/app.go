package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/agent"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/definition"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/engine"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/metrics"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/scheduler"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/store"
	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/streaming"
	mcpserver "github.com/EreZAzariyA/dream-team-builder-sub008/pkg/mcp"
)

// app is the wired set of components shared by the run and serve commands.
type app struct {
	cfg Config
	log *slog.Logger

	registry  *definition.Registry
	store     store.Store
	libsql    *store.LibSQLStore
	events    *store.EventLog
	hub       *streaming.MemoryHub
	decisions *mcpserver.DecisionBoard
	promReg   *prometheus.Registry
	engine    *engine.Engine
}

type appOptions struct {
	// DryRun answers every step with the static invoker.
	DryRun bool
	// Decisions routes every routing step of a dry run.
	Decisions map[string]string
}

func parserOptions(cfg Config, logger *slog.Logger) []definition.Option {
	opts := []definition.Option{definition.WithLogger(logger)}
	if cfg.FallbackAgent != "" {
		opts = append(opts, definition.WithFallbackAgent(cfg.FallbackAgent))
	}
	return opts
}

// newRegistry loads definitions_dir when it exists.
func newRegistry(cfg Config, logger *slog.Logger) (*definition.Registry, error) {
	reg := definition.NewRegistry(definition.NewParser(parserOptions(cfg, logger)...))
	if cfg.DefinitionsDir == "" {
		return reg, nil
	}
	if _, err := os.Stat(cfg.DefinitionsDir); errors.Is(err, os.ErrNotExist) {
		logger.Debug("definitions dir not found", "dir", cfg.DefinitionsDir)
		return reg, nil
	}
	n, err := reg.LoadDir(cfg.DefinitionsDir)
	if err != nil {
		return nil, err
	}
	logger.Info("definitions loaded", "dir", cfg.DefinitionsDir, "count", n)
	return reg, nil
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, log: logger, hub: streaming.NewMemoryHub(256), decisions: mcpserver.NewDecisionBoard()}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if a.registry, err = newRegistry(cfg, logger); err != nil {
		return nil, err
	}

	sinks := engine.MultiSink{a.hub}
	var artifacts engine.ArtifactStore

	switch cfg.Store {
	case "memory":
		a.store = store.NewMemoryStore()
	case "libsql":
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		s, err := store.NewLibSQLStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		a.store, a.libsql = s, s
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		a.events = store.NewEventLog(s)
		sinks = append(sinks, a.events)
		artifacts = s.Artifacts()
	case "redis":
		s, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisPrefix,
		})
		if err != nil {
			return nil, err
		}
		a.store = s
		sinks = append(sinks, streaming.NewRedisPublisher(s.Client(), cfg.RedisPrefix, logger))
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	var agents engine.AgentInvoker
	switch {
	case opts.DryRun:
		agents = &agent.StaticInvoker{Decisions: opts.Decisions}
	case cfg.AgentEndpoint != "":
		if agents, err = agent.NewHTTPInvoker(agent.HTTPConfig{Endpoint: cfg.AgentEndpoint, Logger: logger}); err != nil {
			return nil, err
		}
	default:
		logger.Warn("no agent_endpoint configured; steps are answered by the static invoker")
		agents = &agent.StaticInvoker{}
	}

	ecfg, err := cfg.engineConfig()
	if err != nil {
		return nil, err
	}
	a.promReg = prometheus.NewRegistry()
	collector := metrics.NewCollector(a.promReg, "dreamteam")

	a.engine, err = engine.New(engine.Deps{
		Definitions: a.registry,
		States:      a.store,
		Events:      sinks,
		Agents:      agents,
		Artifacts:   artifacts,
		Decisions:   a.decisions,
		Metrics:     collector,
		Logger:      logger,
	}, ecfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// mcpServer builds the MCP tool server over the app's components.
func (a *app) mcpServer() *mcpserver.Server {
	deps := mcpserver.ServerDeps{
		Engine:    a.engine,
		Catalog:   a.registry,
		Instances: a.store,
		Decisions: a.decisions,
		Hub:       a.hub,
		Logger:    a.log,
	}
	if a.events != nil {
		deps.Events = a.events
	}
	return mcpserver.NewServer(deps)
}

// scheduler registers the maintenance jobs: orphan recovery, and vacuum
// when the store is libsql.
func (a *app) scheduler() (*scheduler.Scheduler, error) {
	s := scheduler.NewScheduler(a.log, 10*time.Second)
	if a.cfg.RecoverySchedule != "" {
		if err := s.Add("recover-orphans", a.cfg.RecoverySchedule, scheduler.RecoveryJob(a.engine, a.log)); err != nil {
			return nil, err
		}
	}
	if a.libsql != nil && a.cfg.VacuumSchedule != "" {
		if err := s.Add("vacuum", a.cfg.VacuumSchedule, scheduler.VacuumJob(a.libsql)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// metricsServer serves /metrics on metrics_addr, or returns nil when unset.
func (a *app) metricsServer() *http.Server {
	if a.cfg.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

// Close stops the engine, leaving running instances for recovery, and
// closes the store.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
