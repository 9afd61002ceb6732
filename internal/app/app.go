// Package app wires configuration into a running repository: it opens the
// configured engine, restores the newest snapshot for the memory engine and
// saves one on shutdown.
package app

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/isamap/isamap/internal/config"
	"github.com/isamap/isamap/internal/isam"
	"github.com/isamap/isamap/internal/isam/memengine"
	"github.com/isamap/isamap/internal/isam/sqlengine"
	"github.com/isamap/isamap/internal/repository"
	"github.com/isamap/isamap/internal/schema"
	"github.com/isamap/isamap/internal/snapshot"
	"github.com/isamap/isamap/internal/storage"
)

// App manages the lifecycle of one mapped database.
type App struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	engine    isam.Engine
	mem       *memengine.Engine
	snapshots *snapshot.Store
	repo      *repository.Repository

	mu      sync.Mutex
	running bool
	stopped bool
}

// New resolves and validates cfg, opens the engine and restores the newest
// snapshot when snapshots are enabled. Mappings are registered on
// Repository() before Start.
func New(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}
	if err := a.openEngine(); err != nil {
		return nil, err
	}
	if cfg.Snapshot.Enabled {
		if err := a.openSnapshots(ctx); err != nil {
			a.engine.Close()
			return nil, err
		}
	}

	a.repo = repository.New(a.engine,
		repository.WithLogger(logger.Named("repository")),
		repository.WithRetry(cfg.Repository.MaxRetries, cfg.Repository.RetryBackoff),
		repository.WithSynchronizer(schema.New(
			schema.WithLogger(logger.Named("schema")),
			schema.WithDefaultDensity(cfg.Mapping.DefaultDensity),
		)),
	)
	return a, nil
}

func (a *App) openEngine() error {
	engineLogger := a.logger.Named("engine")
	switch a.cfg.Engine.Type {
	case config.EngineMemory:
		a.mem = memengine.New(memengine.WithLogger(engineLogger))
		a.engine = a.mem
	case config.EngineSQLite:
		var opts []sqlengine.Option
		opts = append(opts, sqlengine.WithLogger(engineLogger))
		if a.cfg.Engine.BusyTimeout > 0 {
			opts = append(opts, sqlengine.WithBusyTimeout(a.cfg.Engine.BusyTimeout))
		}
		if a.cfg.Engine.JournalMode != "" {
			opts = append(opts, sqlengine.WithJournalMode(a.cfg.Engine.JournalMode))
		}
		e, err := sqlengine.Open(a.cfg.Engine.Path, opts...)
		if err != nil {
			return fmt.Errorf("failed to open engine: %w", err)
		}
		a.engine = e
	default:
		return fmt.Errorf("unsupported engine type: %s", a.cfg.Engine.Type)
	}
	a.logger.Infow("engine opened", "type", a.cfg.Engine.Type, "path", a.cfg.Engine.Path)
	return nil
}

func (a *App) openSnapshots(ctx context.Context) error {
	st, err := a.openStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.snapshots = snapshot.NewStore(st, a.cfg.Snapshot.Prefix,
		snapshot.WithRetain(a.cfg.Snapshot.Retain),
		snapshot.WithLogger(a.logger.Named("snapshot")),
	)

	key, err := a.snapshots.Load(ctx, a.mem)
	switch {
	case storage.IsNotFound(err):
		a.logger.Infow("no snapshot to restore", "prefix", a.cfg.Snapshot.Prefix)
	case err != nil:
		return fmt.Errorf("failed to restore snapshot: %w", err)
	default:
		a.logger.Infow("snapshot restored", "key", key, "tables", a.mem.TableCount())
	}
	return nil
}

func (a *App) openStorage(ctx context.Context) (storage.ObjectStorage, error) {
	sc := a.cfg.Snapshot.Storage
	switch sc.Type {
	case "local":
		return storage.NewLocalStorage(sc.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if sc.S3.Region != "" {
			s3Cfg.Region = sc.S3.Region
		}
		s3Cfg.Endpoint = sc.S3.Endpoint
		s3Cfg.UsePathStyle = sc.S3.UsePathStyle
		if sc.S3.PartSizeMB > 0 {
			s3Cfg.MultipartConfig.PartSize = int64(sc.S3.PartSizeMB) * 1024 * 1024
		}
		s3Cfg.MaxRetries = sc.S3.MaxRetries
		if sc.S3.RetryBackoff > 0 {
			s3Cfg.RetryBackoff = sc.S3.RetryBackoff
		}
		a.logger.Infow("s3 storage", "bucket", sc.S3.Bucket, "region", s3Cfg.Region, "endpoint", sc.S3.Endpoint)
		return storage.NewS3Storage(ctx, sc.S3.Bucket, s3Cfg, storage.WithS3Logger(a.logger))
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sc.Type)
	}
}

// Repository returns the repository mappings are registered on.
func (a *App) Repository() *repository.Repository {
	return a.repo
}

// Start syncs every registered mapping.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}
	if err := a.repo.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	a.running = true
	return nil
}

// Snapshot saves the memory engine now.
func (a *App) Snapshot(ctx context.Context) (*snapshot.Info, error) {
	if a.snapshots == nil {
		return nil, fmt.Errorf("snapshots are not enabled")
	}
	return a.snapshots.Save(ctx, a.mem)
}

// Stop saves a final snapshot when enabled and closes the engine. The engine
// is closed even when the snapshot fails.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true

	var snapErr error
	if a.snapshots != nil && a.running {
		_, snapErr = a.snapshots.Save(ctx, a.mem)
		if snapErr != nil {
			a.logger.Errorw("final snapshot failed", "error", snapErr)
		}
	}
	a.running = false

	if err := a.repo.Close(); err != nil {
		return fmt.Errorf("failed to close repository: %w", err)
	}
	a.logger.Infow("stopped")
	return snapErr
}
