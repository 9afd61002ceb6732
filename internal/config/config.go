// Package config provides the configuration for opening a mapped database:
// which engine backs it, how schemas are synced, how writes are retried,
// where snapshots go and how the process logs.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/isamap/isamap/internal/errors"
)

// EngineType selects the ISAM engine implementation.
type EngineType string

const (
	EngineMemory EngineType = "memory"
	EngineSQLite EngineType = "sqlite"
)

const envPrefix = "ISAMAP_"

// Config holds the configuration for one database.
type Config struct {
	// DataDir is the base directory for database and snapshot files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Engine     EngineConfig     `json:"engine" yaml:"engine"`
	Mapping    MappingConfig    `json:"mapping" yaml:"mapping"`
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Snapshot   SnapshotConfig   `json:"snapshot" yaml:"snapshot"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

// EngineConfig holds engine configuration.
type EngineConfig struct {
	// Type is the engine type: memory, sqlite
	Type EngineType `json:"type" yaml:"type"`

	// Path is the SQLite database file (for sqlite type)
	Path string `json:"path" yaml:"path"`

	// BusyTimeout is how long SQLite waits on a locked database
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`

	// JournalMode is the SQLite journal mode
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`
}

// MappingConfig holds schema synchronization defaults.
type MappingConfig struct {
	// DefaultDensity applies to indexes that declare no density (1-100, 0 = engine default)
	DefaultDensity int `json:"default_density" yaml:"default_density"`
}

// RepositoryConfig holds write retry configuration.
type RepositoryConfig struct {
	// MaxRetries is how often a write conflict is retried
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryBackoff is the first retry delay; each further retry doubles it
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
}

// SnapshotConfig holds snapshot configuration for the memory engine.
type SnapshotConfig struct {
	// Enabled restores the newest snapshot on open and saves one on close
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Prefix is the object path prefix snapshots are stored under
	Prefix string `json:"prefix" yaml:"prefix"`

	// Retain is the number of snapshots kept (0 = keep all)
	Retain int `json:"retain" yaml:"retain"`

	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	// PartSizeMB is the multipart threshold and part size
	PartSizeMB int `json:"part_size_mb" yaml:"part_size_mb"`

	// MaxRetries bounds retries of a failed transfer
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryBackoff is the first retry delay; it doubles per attempt
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level" yaml:"level"`

	// Development switches to the human readable console encoder
	Development bool `json:"development" yaml:"development"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/isamap",
		Engine: EngineConfig{
			Type:        EngineSQLite,
			BusyTimeout: 5 * time.Second,
			JournalMode: "WAL",
		},
		Repository: RepositoryConfig{
			MaxRetries:   3,
			RetryBackoff: 50 * time.Millisecond,
		},
		Snapshot: SnapshotConfig{
			Prefix: "snapshots",
			Retain: 3,
			Storage: StorageConfig{
				Type: "local",
				S3: S3Config{
					Region:       "us-east-1",
					PartSizeMB:   5,
					MaxRetries:   3,
					RetryBackoff: 100 * time.Millisecond,
				},
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/isamap"
	}
	if c.Engine.Path == "" {
		c.Engine.Path = filepath.Join(c.DataDir, "isamap.db")
	}
	if c.Snapshot.Storage.Path == "" {
		c.Snapshot.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Engine.Type {
	case EngineMemory, EngineSQLite:
	default:
		return apperrors.NewConfigError(fmt.Sprintf("invalid engine type: %s (must be memory or sqlite)", c.Engine.Type))
	}

	if c.Engine.Type == EngineSQLite && c.Engine.Path == "" && c.DataDir == "" {
		return apperrors.NewConfigError("engine.path or data_dir is required for the sqlite engine")
	}

	if d := c.Mapping.DefaultDensity; d < 0 || d > 100 {
		return apperrors.NewConfigError(fmt.Sprintf("mapping.default_density must be between 0 and 100, got %d", d))
	}

	if c.Repository.MaxRetries < 0 {
		return apperrors.NewConfigError(fmt.Sprintf("repository.max_retries must not be negative, got %d", c.Repository.MaxRetries))
	}

	if c.Snapshot.Enabled {
		if c.Engine.Type != EngineMemory {
			return apperrors.NewConfigError("snapshots require the memory engine")
		}
		st := c.Snapshot.Storage
		if st.Type != "local" && st.Type != "s3" {
			return apperrors.NewConfigError(fmt.Sprintf("invalid storage type: %s (must be local or s3)", st.Type))
		}
		if st.Type == "s3" && st.S3.Bucket == "" {
			return apperrors.NewConfigError("s3.bucket is required when storage type is s3")
		}
		if st.Type == "s3" && st.S3.MaxRetries < 0 {
			return apperrors.NewConfigError(fmt.Sprintf("s3.max_retries must not be negative, got %d", st.S3.MaxRetries))
		}
		if c.Snapshot.Retain < 0 {
			return apperrors.NewConfigError(fmt.Sprintf("snapshot.retain must not be negative, got %d", c.Snapshot.Retain))
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return apperrors.NewConfigError(fmt.Sprintf("invalid logging level: %s", c.Logging.Level))
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, apperrors.NewConfigError(fmt.Sprintf("unsupported config file format: %s", ext))
	}

	return cfg, nil
}

// LoadDotEnv loads variables from a .env file into the process environment
// without overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv overlays environment variables with the ISAMAP_ prefix.
// Malformed numbers and durations are reported rather than ignored.
func LoadFromEnv(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(envPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(envPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("DATA_DIR", &cfg.DataDir)

	var engineType string
	str("ENGINE_TYPE", &engineType)
	if engineType != "" {
		cfg.Engine.Type = EngineType(engineType)
	}
	str("ENGINE_PATH", &cfg.Engine.Path)
	dur("ENGINE_BUSY_TIMEOUT", &cfg.Engine.BusyTimeout)
	str("ENGINE_JOURNAL_MODE", &cfg.Engine.JournalMode)

	num("MAPPING_DEFAULT_DENSITY", &cfg.Mapping.DefaultDensity)

	num("REPOSITORY_MAX_RETRIES", &cfg.Repository.MaxRetries)
	dur("REPOSITORY_RETRY_BACKOFF", &cfg.Repository.RetryBackoff)

	flag("SNAPSHOT_ENABLED", &cfg.Snapshot.Enabled)
	str("SNAPSHOT_PREFIX", &cfg.Snapshot.Prefix)
	num("SNAPSHOT_RETAIN", &cfg.Snapshot.Retain)
	str("STORAGE_TYPE", &cfg.Snapshot.Storage.Type)
	str("STORAGE_PATH", &cfg.Snapshot.Storage.Path)
	str("S3_BUCKET", &cfg.Snapshot.Storage.S3.Bucket)
	str("S3_REGION", &cfg.Snapshot.Storage.S3.Region)
	str("S3_ENDPOINT", &cfg.Snapshot.Storage.S3.Endpoint)
	flag("S3_USE_PATH_STYLE", &cfg.Snapshot.Storage.S3.UsePathStyle)
	num("S3_MAX_RETRIES", &cfg.Snapshot.Storage.S3.MaxRetries)
	dur("S3_RETRY_BACKOFF", &cfg.Snapshot.Storage.S3.RetryBackoff)

	str("LOG_LEVEL", &cfg.Logging.Level)
	flag("LOG_DEVELOPMENT", &cfg.Logging.Development)

	return errors.Join(errs...)
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Engine.Type == EngineSQLite && c.Engine.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Engine.Path))
	}
	if c.Snapshot.Enabled && c.Snapshot.Storage.Type == "local" {
		dirs = append(dirs, c.Snapshot.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
