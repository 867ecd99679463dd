package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/auditchain/go-core/internal/audit"
	"github.com/auditchain/go-core/internal/cel"
	"github.com/auditchain/go-core/internal/config"
	"github.com/auditchain/go-core/internal/db"
	"github.com/auditchain/go-core/internal/logging"
	"github.com/auditchain/go-core/internal/metrics"
	"github.com/auditchain/go-core/internal/policy"
)

// recordStore is what every store driver provides
type recordStore interface {
	audit.Store
	audit.PartitionLedger
}

// app holds the components shared by the subcommands. Components are
// built on demand; close releases whatever was opened.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   metrics.Metrics
	store     recordStore
	redis     *redis.Client
	guard     *policy.Guard
	celEngine *cel.Engine

	closers []func() error
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewNoOpMetrics(),
	}
	a.closers = append(a.closers, closeLog)
	return a, nil
}

// close releases resources in reverse order of acquisition
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openStore opens the configured store, running migrations first when the
// driver needs them and auto_migrate is set
func (a *app) openStore(ctx context.Context) (recordStore, error) {
	if a.store != nil {
		return a.store, nil
	}

	var store recordStore
	switch a.cfg.Store.Driver {
	case config.DriverMemory:
		a.logger.Warn("Using in-memory store; records are lost on exit")
		store = audit.NewMemoryStore()

	case config.DriverSQLite:
		s, err := audit.OpenSQLiteStore(a.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		store = s

	case config.DriverPostgres:
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := audit.OpenPostgresStore(openCtx, a.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		if a.cfg.Store.AutoMigrate {
			if err := a.migrateUp(s); err != nil {
				s.Close()
				return nil, err
			}
		}
		store = s

	default:
		return nil, fmt.Errorf("unsupported store driver %q", a.cfg.Store.Driver)
	}

	a.logger.Info("Store opened", zap.String("driver", a.cfg.Store.Driver))
	a.store = store
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *app) migrateUp(s *audit.PostgresStore) error {
	runner, err := db.NewMigrationRunner(s.DB(), a.logger)
	if err != nil {
		return err
	}
	// the runner's Close would close the store's pool
	return runner.Up()
}

// locker returns the configured per-chain locker
func (a *app) locker(ctx context.Context) (audit.ChainLocker, error) {
	if a.cfg.Lock.Backend != config.LockRedis {
		return audit.NewLocalLocker(), nil
	}

	opts, err := redis.ParseURL(a.cfg.Lock.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	a.redis = client
	a.closers = append(a.closers, client.Close)
	a.logger.Info("Using Redis chain lock", zap.String("addr", opts.Addr))
	return audit.NewRedisLocker(client, a.cfg.RedisLockerConfig(), a.logger), nil
}

// metadataPolicy loads the policy file, or the built-in policy when none is
// configured
func (a *app) metadataPolicy() (*policy.Guard, error) {
	if a.guard != nil {
		return a.guard, nil
	}

	engine, err := cel.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL engine: %w", err)
	}

	var checker *policy.Checker
	if a.cfg.Policy.File != "" {
		checker, err = policy.LoadChecker(a.cfg.Policy.File, engine, a.logger)
	} else {
		checker, err = policy.NewChecker(policy.DefaultPolicy(), engine, a.logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata policy: %w", err)
	}

	a.celEngine = engine
	a.guard = policy.NewGuard(checker)
	return a.guard, nil
}

// engine wires the append engine
func (a *app) engine(ctx context.Context) (*audit.Engine, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	locker, err := a.locker(ctx)
	if err != nil {
		return nil, err
	}
	guard, err := a.metadataPolicy()
	if err != nil {
		return nil, err
	}

	builder := audit.NewRecordBuilder(a.cfg.BuilderConfig(guard))
	return audit.NewEngine(store, builder,
		audit.WithLocker(locker),
		audit.WithMetrics(a.metrics),
		audit.WithLogger(a.logger),
		audit.WithEngineConfig(a.cfg.EngineConfig()),
	), nil
}

func (a *app) verifier(ctx context.Context) (*audit.Verifier, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return audit.NewVerifier(store,
		audit.WithPageSize(a.cfg.Verify.PageSize),
		audit.WithVerifierMetrics(a.metrics),
		audit.WithVerifierLogger(a.logger),
	), nil
}

func (a *app) partitions(ctx context.Context) (*audit.PartitionManager, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	pcfg, err := a.cfg.PartitionConfig()
	if err != nil {
		return nil, err
	}
	archiver, err := audit.NewFileArchiver(a.cfg.Retention.ArchiveDir)
	if err != nil {
		return nil, err
	}
	return audit.NewPartitionManager(store, store, archiver, pcfg, a.metrics, a.logger)
}
