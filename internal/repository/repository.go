// Package repository is the orchestration surface over the mapping core: it
// owns the engine, syncs every registered mapping at startup and gives each
// operation its own session and cursor.
package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/isamap/isamap/internal/errors"
	"github.com/isamap/isamap/internal/isam"
	"github.com/isamap/isamap/internal/mapping"
	"github.com/isamap/isamap/internal/schema"
)

var (
	ErrNotInitialized     = errors.New("repository: not initialized")
	ErrAlreadyInitialized = errors.New("repository: already initialized")
	ErrClosed             = errors.New("repository: closed")
)

const (
	defaultMaxRetries   = 3
	defaultRetryBackoff = 50 * time.Millisecond
)

// Repository holds the registered mappings of one engine.
type Repository struct {
	engine  isam.Engine
	sync    *schema.Synchronizer
	logger  *zap.SugaredLogger
	retries int
	backoff time.Duration

	mu      sync.RWMutex
	schemas []mapping.Schema
	tables  map[string]struct{}
	inited  bool
	closed  bool
}

type Option func(*Repository)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(r *Repository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithSynchronizer(s *schema.Synchronizer) Option {
	return func(r *Repository) {
		if s != nil {
			r.sync = s
		}
	}
}

// WithRetry sets how often a write conflict is retried and the first backoff;
// each further attempt doubles it.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(r *Repository) {
		if maxRetries >= 0 {
			r.retries = maxRetries
		}
		if backoff > 0 {
			r.backoff = backoff
		}
	}
}

func New(engine isam.Engine, opts ...Option) *Repository {
	r := &Repository{
		engine:  engine,
		logger:  zap.NewNop().Sugar(),
		retries: defaultMaxRetries,
		backoff: defaultRetryBackoff,
		tables:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sync == nil {
		r.sync = schema.New(schema.WithLogger(r.logger))
	}
	return r
}

// Register adds a mapping. All mappings must be registered before Init.
func Register[T any](r *Repository, m *mapping.EntityMapping[T]) (*Table[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if r.inited {
		return nil, fmt.Errorf("register %s: %w", m.Table(), ErrAlreadyInitialized)
	}
	if _, dup := r.tables[m.Table()]; dup {
		return nil, apperrors.NewMappingError(fmt.Sprintf("table %s registered twice", m.Table()), nil)
	}
	r.tables[m.Table()] = struct{}{}
	r.schemas = append(r.schemas, m)
	if ce := r.logger.Desugar().Check(zap.DebugLevel, "mapping registered"); ce != nil {
		ce.Write(
			zap.String("table", m.Table()),
			zap.String("fingerprint", m.Fingerprint()),
			zap.String("mapping", m.Dump()),
		)
	}
	return newTable(r, m), nil
}

// Init syncs every registered mapping in one schema transaction.
func (r *Repository) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.inited {
		return ErrAlreadyInitialized
	}

	sess, err := r.engine.BeginSession(ctx)
	if err != nil {
		return fmt.Errorf("repository: init: %w", err)
	}
	defer sess.Close()

	start := time.Now()
	reports, err := r.sync.SyncAll(ctx, sess, r.schemas...)
	if err != nil {
		return err
	}
	changed := 0
	for _, rep := range reports {
		if rep.Changed() {
			changed++
		}
	}
	r.inited = true
	r.logger.Infow("repository initialized",
		"tables", len(r.schemas),
		"changed", changed,
		"duration", time.Since(start),
	)
	return nil
}

// Close closes the engine.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.engine.Close()
}

func (r *Repository) ready() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case r.closed:
		return ErrClosed
	case !r.inited:
		return ErrNotInitialized
	}
	return nil
}

// session opens a session for one operation.
func (r *Repository) session(ctx context.Context) (isam.Session, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	sess, err := r.engine.BeginSession(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return sess, nil
}

// ExecuteInTransaction runs fn in a fresh session and transaction, committing
// when fn succeeds. Write conflicts are retried with exponential backoff; any
// other failure rolls back and returns.
func (r *Repository) ExecuteInTransaction(ctx context.Context, fn func(sess isam.Session) error) error {
	return r.retryWithBackoff(ctx, func() error {
		return r.transact(ctx, fn)
	})
}

func (r *Repository) transact(ctx context.Context, fn func(sess isam.Session) error) (err error) {
	sess, err := r.session(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Begin(); err != nil {
		return classify(err)
	}
	defer func() {
		if err != nil {
			_ = sess.Rollback()
		}
	}()
	if err := fn(sess); err != nil {
		return classify(err)
	}
	return classify(sess.Commit())
}

// retryWithBackoff retries operation while it fails with a retryable error.
func (r *Repository) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil || !apperrors.IsRetryable(lastErr) {
			return lastErr
		}

		if attempt < r.retries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * r.backoff
			r.logger.Warnw("retrying after write conflict",
				"attempt", attempt+1,
				"backoff", backoff,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}

// classify tags engine write conflicts as retryable engine errors and leaves
// everything else as is.
func classify(err error) error {
	if err == nil || apperrors.GetCategory(err) != "" {
		return err
	}
	if errors.Is(err, isam.ErrWriteConflict) {
		return apperrors.NewEngineError(apperrors.CodeWriteConflict, "write conflict", err)
	}
	return err
}
