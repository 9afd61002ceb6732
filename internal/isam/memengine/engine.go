// Package memengine is an in-process ISAM engine. Tables hold rows by
// bookmark with one sorted entry list per index; sessions get nestable
// transactions backed by undo logs. Reads are not isolated from other
// sessions' uncommitted work, and only one session may hold uncommitted
// writes at a time.
package memengine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/isamap/isamap/internal/isam"
)

const maxNameLength = 64

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine is a memory-resident database.
type Engine struct {
	mu     sync.RWMutex
	tables map[string]*table
	// writer is the session holding uncommitted writes, if any.
	writer *session
	closed bool

	sessions atomic.Int64
	logger   *zap.SugaredLogger
}

var _ isam.Engine = (*Engine)(nil)

// New creates an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		tables: make(map[string]*table),
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BeginSession opens a session. Sessions are not safe for concurrent use.
func (e *Engine) BeginSession(ctx context.Context) (isam.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, isam.ErrClosed
	}
	id := e.sessions.Add(1)
	return &session{e: e, id: id}, nil
}

// Close releases the engine. Open sessions fail with isam.ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.logger.Debugw("memory engine closed", "tables", len(e.tables))
	return nil
}

// TableCount returns the number of tables.
func (e *Engine) TableCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tables)
}

// acquireWrite marks s as the writing session. Callers hold e.mu.
func (e *Engine) acquireWrite(s *session) error {
	if e.closed {
		return isam.ErrClosed
	}
	if e.writer != nil && e.writer != s {
		return fmt.Errorf("session %d holds uncommitted writes: %w", e.writer.id, isam.ErrWriteConflict)
	}
	if s.InTransaction() {
		e.writer = s
	}
	return nil
}

func validName(name string) error {
	if name == "" || len(name) > maxNameLength || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%q: %w", name, isam.ErrInvalidName)
	}
	return nil
}
