// Package main runs the stock and event walkthrough against a mapped database:
// it resets a stock table, dumps it by record order and by the Name index,
// then adds events for yesterday, today and tomorrow and scans and deletes
// them by StartTime ranges.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/isamap/isamap/internal/app"
	"github.com/isamap/isamap/internal/config"
	"github.com/isamap/isamap/internal/logging"
	"github.com/isamap/isamap/internal/repository"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		envFile     string
		dataDir     string
		engineType  string
		todays      int
		yesterdays  int
		tomorrows   int
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", ".env", "Path to a .env file with ISAMAP_* variables")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for database and snapshot files")
	flag.StringVar(&engineType, "engine", "", "Engine type: memory, sqlite")
	flag.IntVar(&todays, "events", 5000, "Events to add for today")
	flag.IntVar(&yesterdays, "yesterday", 1000, "Events to add for yesterday")
	flag.IntVar(&tomorrows, "tomorrow", 10, "Events to add for tomorrow")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "stocksample - entity mapping walkthrough\n\n")
		fmt.Fprintf(os.Stderr, "Usage: stocksample [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  ISAMAP_DATA_DIR         Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  ISAMAP_ENGINE_TYPE      Engine type (memory, sqlite)\n")
		fmt.Fprintf(os.Stderr, "  ISAMAP_SNAPSHOT_ENABLED Restore and save memory engine snapshots\n")
		fmt.Fprintf(os.Stderr, "  ISAMAP_STORAGE_TYPE     Snapshot storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  ISAMAP_LOG_LEVEL        Log level (debug, info, warn, error)\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("stocksample version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, envFile, dataDir, engineType)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := batch{Today: todays, Yesterday: yesterdays, Tomorrow: tomorrows}
	if err := run(ctx, cfg, logger, os.Stdout, b); err != nil {
		logger.Errorw("stocksample failed", "error", err)
		os.Exit(1)
	}
}

// run opens the database described by cfg and runs the walkthrough.
func run(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger, out io.Writer, b batch) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	s := &sample{out: out, now: time.Now, batch: b}
	if s.stocks, err = registerStocks(a.Repository()); err != nil {
		a.Stop(ctx)
		return err
	}
	if s.events, err = registerEvents(a.Repository()); err != nil {
		a.Stop(ctx)
		return err
	}
	if err := a.Start(ctx); err != nil {
		a.Stop(ctx)
		return err
	}

	runErr := s.run(ctx)
	// A cancelled run still gets its final snapshot.
	if err := a.Stop(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func registerStocks(r *repository.Repository) (*repository.Table[Stock], error) {
	m, err := stockMapping()
	if err != nil {
		return nil, err
	}
	return repository.Register(r, m)
}

func registerEvents(r *repository.Repository) (*repository.Table[Event], error) {
	m, err := eventMapping()
	if err != nil {
		return nil, err
	}
	return repository.Register(r, m)
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, envFile, dataDir, engineType string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	// Command line flags win.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if engineType != "" {
		cfg.Engine.Type = config.EngineType(engineType)
	}

	return cfg, nil
}
