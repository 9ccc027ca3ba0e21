package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/memsandbox/internal/config"
	"github.com/jkaninda/memsandbox/internal/engine"
	"github.com/jkaninda/memsandbox/internal/memory"
	"github.com/jkaninda/memsandbox/internal/observability"
	"github.com/jkaninda/memsandbox/internal/ratelimit"
	"github.com/jkaninda/memsandbox/internal/sandbox"
	"github.com/jkaninda/memsandbox/internal/sandbox/monitor"
	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
	"github.com/jkaninda/memsandbox/internal/security"
	"github.com/jkaninda/memsandbox/internal/storage"
	pgstore "github.com/jkaninda/memsandbox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/memsandbox/internal/storage/sqlite"
)

// SharedComponents holds the subsystems every command needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Store    storage.Store // nil with the memory driver.
	Episodes memory.Store
	Obs      *observability.Observability // nil = observability disabled.
	Health   *observability.HealthChecker
	Monitor  *monitor.Monitor
	Engine   *engine.Engine

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file named by --config or MEMSANDBOX_CONFIG and
// applies the --log-level flag.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(goutils.Env("MEMSANDBOX_CONFIG", configPath))
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// newLogger builds the JSON logger. Logs go to stderr so stdout stays free
// for results and the MCP stream.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// initShared performs the initialization common to every command.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	preset := cfg.Sandbox.Preset
	if preset == "" {
		preset = policy.PresetDefault
	}
	obs, err := observability.New(cfg.Observability, observability.SandboxInfo{
		Version:        version,
		Preset:         preset,
		MaxConcurrency: cfg.Sandbox.Concurrency(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	sc.Health = observability.NewHealthChecker(logger)
	if obs != nil {
		sc.Health = obs.Health
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Storage.
	if err := sc.initStore(cfg, logger); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	// Audit trail.
	auditor, err := initAuditor(cfg, sc.Store, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing audit trail: %w", err)
	}
	if auditor != nil {
		sc.addCleanup(func() {
			if err := auditor.Close(); err != nil {
				logger.Error("closing audit trail", slog.String("error", err.Error()))
			}
		})
	}

	// Sandbox.
	var runner sandbox.Runner = sandbox.NewProcessIsolator(sandbox.ProcessConfig{
		HelperPath: cfg.Sandbox.HelperPath,
		TempRoot:   cfg.Sandbox.TempRoot,
	}, logger)
	runner = obs.InstrumentRunner(runner)

	pol, err := cfg.Sandbox.Policy()
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("resolving sandbox policy: %w", err)
	}
	coord, err := sandbox.NewCoordinator(sandbox.CoordinatorConfig{
		MaxConcurrency: cfg.Sandbox.Concurrency(),
		Policy:         pol,
		Memory:         sc.Episodes,
		Tracer:         obs.PhaseTracer(),
	}, runner, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}

	sc.Monitor = monitor.New()
	coord.Subscribe(sc.Monitor)
	obs.Watch(coord, sc.Monitor, sc.Health)

	eng := engine.New(coord, cfg.Sandbox, sc.Monitor, logger).
		WithEpisodes(sc.Episodes).
		WithObservability(obs)
	if auditor != nil {
		eng.WithAuditor(auditor)
	}
	if h := cfg.Gateways.HTTP; h != nil {
		eng.WithRateLimiter(ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: h.RateLimit.RequestsPerMinute,
			BurstSize:         h.RateLimit.BurstSize,
		}))
	}
	sc.Engine = eng

	// Health.
	sc.Health.AddCheck("episodes", sc.Episodes.Ping)
	if sc.Store != nil {
		sc.Health.AddCheck("storage", sc.Store.Ping)
	}

	logger.Debug("sandbox initialized",
		slog.String("preset", preset),
		slog.Int64("max_concurrency", coord.MaxConcurrency()),
		slog.Duration("max_execution_time", pol.MaxExecutionTime),
	)
	return sc, nil
}

// initStore opens the configured storage backend.
func (sc *SharedComponents) initStore(cfg *config.Config, logger *slog.Logger) error {
	var (
		store storage.Store
		err   error
	)
	switch cfg.StorageDriverName() {
	case storage.DriverMemory:
		sc.Episodes = memory.NewInMemoryStore()
		logger.Debug("storage initialized", slog.String("driver", storage.DriverMemory))
		return nil
	case storage.DriverPostgres:
		store, err = initPostgresStore(cfg, logger)
	default:
		store, err = initSQLiteStore(cfg, logger)
	}
	if err != nil {
		return err
	}

	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	sc.Store = store
	sc.Episodes = store.Episodes()
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	return nil
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	sqlCfg := sqlitestore.Config{Path: cfg.DatabasePath()}
	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		sqlCfg.JournalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlCfg, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	pgCfg := pgstore.Config{
		DSN:          pg.DSN,
		MaxOpenConns: pg.MaxOpenConns,
		MaxIdleConns: pg.MaxIdleConns,
	}
	if pg.ConnMaxLifetimeS > 0 {
		pgCfg.ConnMaxLifetime = time.Duration(pg.ConnMaxLifetimeS) * time.Second
	}
	db, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, err
	}
	return pgstore.NewStore(db), nil
}

// initAuditor builds the audit trail: the JSONL file, plus the storage
// backend when audit.store is set. Returns nil when auditing is disabled.
func initAuditor(cfg *config.Config, store storage.Store, logger *slog.Logger) (security.Auditor, error) {
	if cfg.Audit.Disabled {
		logger.Warn("audit trail disabled")
		return nil, nil
	}

	file, err := security.NewAuditLogger(cfg.AuditLogPath(), logger)
	if err != nil {
		return nil, err
	}
	auditors := security.MultiAuditor{file}
	if cfg.Audit.Store && store != nil {
		auditors = append(auditors, security.NewStoreAuditLogger(store.Audit(), logger))
	}
	logger.Debug("audit trail initialized",
		slog.String("path", cfg.AuditLogPath()),
		slog.Bool("store", len(auditors) > 1),
	)
	return auditors, nil
}
