// Package sqlengine implements the isam interfaces on SQLite. Every ISAM
// table is a SQLite table keyed by an autoincrement bookmark with one BLOB
// column per ISAM column; ISAM types and flags live in metadata tables.
// Sessions pin one connection and map transactions onto savepoints.
package sqlengine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/isamap/isamap/internal/isam"
)

const (
	bookmarkColumn = "isam_bookmark"
	reservedPrefix = "isam_"
	maxNameLength  = 64
)

var metadataSQL = []string{
	`CREATE TABLE IF NOT EXISTS isam_tables (
		name TEXT PRIMARY KEY,
		density INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS isam_columns (
		column_id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		name TEXT NOT NULL,
		coltyp INTEGER NOT NULL,
		flags INTEGER NOT NULL,
		max_length INTEGER NOT NULL,
		UNIQUE (table_name, name)
	)`,
	`CREATE TABLE IF NOT EXISTS isam_indexes (
		table_name TEXT NOT NULL,
		name TEXT NOT NULL,
		key_def TEXT NOT NULL,
		flags INTEGER NOT NULL,
		density INTEGER NOT NULL,
		PRIMARY KEY (table_name, name)
	)`,
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	busyTimeout time.Duration
	journalMode string
	logger      *zap.SugaredLogger
}

// WithBusyTimeout sets how long a statement waits on a locked database
// before failing with isam.ErrWriteConflict.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// WithJournalMode sets the SQLite journal mode (WAL by default).
func WithJournalMode(mode string) Option {
	return func(o *options) { o.journalMode = mode }
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Engine is a SQLite database file accessed through ISAM sessions.
type Engine struct {
	db     *sql.DB
	path   string
	logger *zap.SugaredLogger
	closed atomic.Bool
}

var _ isam.Engine = (*Engine)(nil)

// Open opens or creates the database at path.
func Open(path string, opts ...Option) (*Engine, error) {
	o := options{
		busyTimeout: 5 * time.Second,
		journalMode: "WAL",
		logger:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", path, o.journalMode, o.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlengine: failed to open database: %w", err)
	}
	for _, stmt := range metadataSQL {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlengine: failed to initialize metadata: %w", mapError(err))
		}
	}

	o.logger.Infow("sqlite engine opened", "path", path, "journal_mode", o.journalMode, "busy_timeout", o.busyTimeout)
	return &Engine{db: db, path: path, logger: o.logger}, nil
}

// BeginSession pins a connection for the lifetime of the session.
func (e *Engine) BeginSession(ctx context.Context) (isam.Session, error) {
	if e.closed.Load() {
		return nil, isam.ErrClosed
	}
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlengine: failed to acquire connection: %w", mapError(err))
	}
	return &session{e: e, conn: conn, ctx: ctx}, nil
}

// Close closes the database. Sessions still open keep their connection
// until they are closed.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.logger.Infow("sqlite engine closed", "path", e.path)
	return e.db.Close()
}

// Path returns the database file path.
func (e *Engine) Path() string { return e.path }

func validName(name string) error {
	if name == "" || len(name) > maxNameLength || strings.ContainsRune(name, 0) ||
		strings.HasPrefix(strings.ToLower(name), reservedPrefix) {
		return fmt.Errorf("%q: %w", name, isam.ErrInvalidName)
	}
	return nil
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func physicalIndexName(table, index string) string {
	return quote(table + "__" + index)
}
