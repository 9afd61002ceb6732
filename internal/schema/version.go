package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/isamap/isamap/internal/errors"
	"github.com/isamap/isamap/internal/isam"
	"github.com/isamap/isamap/internal/mapping"
	"github.com/isamap/isamap/internal/marshal"
)

// SchemaVersion is one ledger row: the schema a table was last synced to.
type SchemaVersion struct {
	Table       string
	Fingerprint string
	// Number starts at 1 and grows each time the fingerprint changes.
	Number   int32
	SyncedAt time.Time
	Revision int32
}

var ledgerMapping = sync.OnceValues(func() (*mapping.EntityMapping[SchemaVersion], error) {
	b := mapping.New[SchemaVersion](nil, nil)
	b.Identity(func(v *SchemaVersion) any { return &v.Table })
	b.Field(func(v *SchemaVersion) any { return &v.Fingerprint }).NotNull().MaxLength(16)
	b.Field(func(v *SchemaVersion) any { return &v.Number })
	b.Field(func(v *SchemaVersion) any { return &v.SyncedAt })
	b.Version(func(v *SchemaVersion) any { return &v.Revision })
	return b.Build()
})

// Ledger reads and writes the SchemaVersion table.
type Ledger struct {
	x *marshal.Marshaller[SchemaVersion]
}

func NewLedger() (*Ledger, error) {
	m, err := ledgerMapping()
	if err != nil {
		return nil, err
	}
	return &Ledger{x: marshal.New(m)}, nil
}

// Schema is the ledger table's own mapping.
func (l *Ledger) Schema() mapping.Schema { return l.x.Mapping() }

func (l *Ledger) open(sess isam.Session) (isam.Cursor, error) {
	cur, err := sess.OpenTable(l.x.Mapping().Table())
	if errors.Is(err, isam.ErrTableNotFound) {
		return nil, apperrors.NewRecordNotFound("schema ledger does not exist")
	}
	return cur, err
}

// Lookup returns the ledger row for table.
func (l *Ledger) Lookup(sess isam.Session, table string) (*SchemaVersion, error) {
	cur, err := l.open(sess)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	found, err := l.x.Locate(cur, table)
	if err != nil {
		return nil, fmt.Errorf("schema ledger: lookup %s: %w", table, err)
	}
	if !found {
		return nil, apperrors.NewRecordNotFound("schema ledger has no entry for " + table)
	}
	v := &SchemaVersion{}
	if err := l.x.Read(cur, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Entries returns every ledger row ordered by table name.
func (l *Ledger) Entries(sess isam.Session) ([]SchemaVersion, error) {
	cur, err := l.open(sess)
	if apperrors.IsRecordNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	if err := cur.SetCurrentIndex(l.x.Mapping().PrimaryIndex().PhysicalName()); err != nil {
		return nil, err
	}
	var out []SchemaVersion
	ok, err := cur.MoveFirst()
	for ; ok && err == nil; ok, err = cur.MoveNext() {
		var v SchemaVersion
		if err := l.x.Read(cur, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err != nil {
		return nil, fmt.Errorf("schema ledger: scan: %w", err)
	}
	return out, nil
}

// record upserts the row for sc. It reports whether the row changed.
func (l *Ledger) record(cur isam.Cursor, sc mapping.Schema, at time.Time) (SchemaVersion, bool, error) {
	found, err := l.x.Locate(cur, sc.Table())
	if err != nil {
		return SchemaVersion{}, false, err
	}
	if !found {
		v := SchemaVersion{Table: sc.Table(), Fingerprint: sc.Fingerprint(), Number: 1, SyncedAt: at.UTC()}
		return v, true, l.x.Insert(cur, &v)
	}

	var v SchemaVersion
	if err := l.x.Read(cur, &v); err != nil {
		return SchemaVersion{}, false, err
	}
	if v.Fingerprint == sc.Fingerprint() {
		return v, false, nil
	}
	v.Fingerprint = sc.Fingerprint()
	v.Number++
	v.SyncedAt = at.UTC()
	return v, true, l.x.Update(cur, &v)
}

// SyncAll syncs the ledger table and every schema in one transaction and
// records each schema's fingerprint in the ledger. Nothing is kept when any
// step fails.
func (s *Synchronizer) SyncAll(ctx context.Context, sess isam.Session, schemas ...mapping.Schema) ([]*Report, error) {
	ledger, err := NewLedger()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(schemas))
	for _, sc := range schemas {
		if _, dup := seen[sc.Table()]; dup || sc.Table() == ledger.Schema().Table() {
			return nil, apperrors.NewSchemaSyncError(fmt.Sprintf("table %s registered twice", sc.Table()), nil)
		}
		seen[sc.Table()] = struct{}{}
	}

	if err := sess.Begin(); err != nil {
		return nil, apperrors.NewSchemaSyncError("sync all: begin", err)
	}
	reports, err := s.syncAll(ctx, sess, ledger, schemas)
	if err != nil {
		_ = sess.Rollback()
		return nil, err
	}
	if err := sess.Commit(); err != nil {
		_ = sess.Rollback()
		return nil, apperrors.NewSchemaSyncError("sync all: commit", err)
	}
	return reports, nil
}

func (s *Synchronizer) syncAll(ctx context.Context, sess isam.Session, ledger *Ledger, schemas []mapping.Schema) ([]*Report, error) {
	if _, err := s.Sync(ctx, sess, ledger.Schema()); err != nil {
		return nil, err
	}
	cur, err := sess.OpenTable(ledger.Schema().Table())
	if err != nil {
		return nil, apperrors.NewSchemaSyncError("open schema ledger", err)
	}
	defer cur.Close()

	reports := make([]*Report, 0, len(schemas))
	for _, sc := range schemas {
		report, err := s.Sync(ctx, sess, sc)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)

		v, changed, err := ledger.record(cur, sc, s.now())
		if err != nil {
			return nil, apperrors.NewSchemaSyncError("record schema version of "+sc.Table(), err)
		}
		if changed {
			s.logger.Infow("schema version recorded", "table", v.Table, "version", v.Number, "fingerprint", v.Fingerprint)
		}
	}
	return reports, nil
}
