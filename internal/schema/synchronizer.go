// Package schema reconciles entity mappings with the physical tables of an
// ISAM engine and keeps a ledger of the schema each table was synced to.
package schema

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/isamap/isamap/internal/errors"
	"github.com/isamap/isamap/internal/isam"
	"github.com/isamap/isamap/internal/mapping"
)

// Report lists what one Sync created.
type Report struct {
	Table          string
	CreatedTable   bool
	AddedColumns   []string
	CreatedIndexes []string
}

// Changed reports whether the sync altered the physical schema.
func (r *Report) Changed() bool {
	return r.CreatedTable || len(r.AddedColumns) > 0 || len(r.CreatedIndexes) > 0
}

// Synchronizer creates missing tables, columns and indexes. It never drops or
// alters what already exists.
type Synchronizer struct {
	logger         *zap.SugaredLogger
	defaultDensity int
	now            func() time.Time
}

type Option func(*Synchronizer)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Synchronizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDefaultDensity sets the density of indexes declared without one. Zero
// leaves the engine default.
func WithDefaultDensity(n int) Option {
	return func(s *Synchronizer) { s.defaultDensity = n }
}

// WithClock sets the time source for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

func New(opts ...Option) *Synchronizer {
	s := &Synchronizer{logger: zap.NewNop().Sugar(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sync reconciles one table inside its own transaction, nested when sess is
// already in one. On failure every change is rolled back.
func (s *Synchronizer) Sync(ctx context.Context, sess isam.Session, sc mapping.Schema) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewSchemaSyncError("sync "+sc.Table(), err)
	}
	if err := sess.Begin(); err != nil {
		return nil, apperrors.NewSchemaSyncError("sync "+sc.Table()+": begin", err)
	}

	report := &Report{Table: sc.Table()}
	if err := s.reconcile(sess, sc, report); err != nil {
		if rbErr := sess.Rollback(); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		s.logger.Errorw("schema sync failed", "table", sc.Table(), "error", err)
		return nil, apperrors.NewSchemaSyncError("sync "+sc.Table(), err)
	}
	if err := sess.Commit(); err != nil {
		_ = sess.Rollback()
		return nil, apperrors.NewSchemaSyncError("sync "+sc.Table()+": commit", err)
	}

	if report.Changed() {
		s.logger.Infow("schema synced",
			"table", report.Table,
			"created_table", report.CreatedTable,
			"columns", report.AddedColumns,
			"indexes", report.CreatedIndexes,
		)
	} else {
		s.logger.Debugw("schema up to date", "table", report.Table, "fingerprint", sc.Fingerprint())
	}
	return report, nil
}

func (s *Synchronizer) reconcile(sess isam.Session, sc mapping.Schema, report *Report) error {
	cur, err := sess.OpenTable(sc.Table())
	if errors.Is(err, isam.ErrTableNotFound) {
		cur, err = sess.CreateTable(sc.Table(), 0)
		report.CreatedTable = err == nil
	}
	if err != nil {
		return fmt.Errorf("open table: %w", err)
	}
	defer cur.Close()

	columns, err := cur.Columns()
	if err != nil {
		return fmt.Errorf("list columns: %w", err)
	}
	existing := make(map[string]isam.ColumnDef, len(columns))
	for _, c := range columns {
		existing[c.Name] = c.Def
	}
	for _, c := range sc.Columns() {
		if def, ok := existing[c.Name]; ok {
			if def != c.Def {
				s.logger.Warnw("column definition drift",
					"table", sc.Table(), "column", c.Name,
					"physical", def.Type.String(), "mapped", c.Def.Type.String())
			}
			continue
		}
		if _, err := cur.AddColumn(c.Name, c.Def); err != nil {
			return fmt.Errorf("add column %s: %w", c.Name, err)
		}
		report.AddedColumns = append(report.AddedColumns, c.Name)
	}

	indexes, err := cur.Indexes()
	if err != nil {
		return fmt.Errorf("list indexes: %w", err)
	}
	present := make(map[string]isam.IndexInfo, len(indexes))
	for _, ix := range indexes {
		present[ix.Name] = ix
	}
	for _, ix := range append([]mapping.IndexDescriptor{sc.PrimaryIndex()}, sc.Indexes()...) {
		name := ix.PhysicalName()
		if info, ok := present[name]; ok {
			if info.KeyDef != ix.KeyDefinition() {
				s.logger.Warnw("index key drift", "table", sc.Table(), "index", name,
					"physical", info.KeyDef, "mapped", ix.KeyDefinition())
			}
			continue
		}
		density := ix.Density
		if density == 0 {
			density = s.defaultDensity
		}
		if err := cur.CreateIndex(name, ix.KeyDefinition(), ix.Flags(), density); err != nil {
			return fmt.Errorf("create index %s: %w", name, err)
		}
		report.CreatedIndexes = append(report.CreatedIndexes, name)
	}
	return nil
}
