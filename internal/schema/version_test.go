package schema

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/isamap/isamap/internal/errors"
	"github.com/isamap/isamap/internal/isam"
	"github.com/isamap/isamap/internal/mapping"
)

type Gadget struct {
	Serial string
	Label  string
}

func gadgetMapping(t *testing.T) *mapping.EntityMapping[Gadget] {
	t.Helper()
	b := mapping.New[Gadget](nil, nil)
	b.Identity(func(g *Gadget) any { return &g.Serial })
	b.Field(func(g *Gadget) any { return &g.Label })
	m, err := b.Build()
	require.NoError(t, err)
	return m
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestSyncAll_RecordsVersions(t *testing.T) {
	forEachEngine(t, func(t *testing.T, sess isam.Session) {
		ctx := context.Background()
		clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
		s := New(WithClock(clk.now))

		reports, err := s.SyncAll(ctx, sess, widgetV1(t), gadgetMapping(t))
		require.NoError(t, err)
		require.Len(t, reports, 2)
		assert.True(t, reports[0].Changed())
		assert.True(t, reports[1].Changed())
		assert.False(t, sess.InTransaction())

		ledger, err := NewLedger()
		require.NoError(t, err)
		entries, err := ledger.Entries(sess)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "Gadget", entries[0].Table)
		assert.Equal(t, "Widget", entries[1].Table)

		w, err := ledger.Lookup(sess, "Widget")
		require.NoError(t, err)
		assert.Equal(t, widgetV1(t).Fingerprint(), w.Fingerprint)
		assert.Equal(t, int32(1), w.Number)
		assert.Equal(t, clk.t, w.SyncedAt)
		assert.Equal(t, int32(1), w.Revision)

		// Unchanged mappings leave the ledger alone.
		clk.t = clk.t.Add(time.Hour)
		reports, err = s.SyncAll(ctx, sess, widgetV1(t), gadgetMapping(t))
		require.NoError(t, err)
		assert.False(t, reports[0].Changed())
		w, err = ledger.Lookup(sess, "Widget")
		require.NoError(t, err)
		assert.Equal(t, int32(1), w.Number)
		assert.Equal(t, int32(1), w.Revision)

		// A changed fingerprint bumps the number.
		clk.t = clk.t.Add(time.Hour)
		_, err = s.SyncAll(ctx, sess, widgetV2(t), gadgetMapping(t))
		require.NoError(t, err)
		w, err = ledger.Lookup(sess, "Widget")
		require.NoError(t, err)
		assert.Equal(t, int32(2), w.Number)
		assert.Equal(t, widgetV2(t).Fingerprint(), w.Fingerprint)
		assert.Equal(t, clk.t, w.SyncedAt)
		assert.Equal(t, int32(2), w.Revision)

		g, err := ledger.Lookup(sess, "Gadget")
		require.NoError(t, err)
		assert.Equal(t, int32(1), g.Number)
	})
}

func TestSyncAll_RejectsDuplicateTables(t *testing.T) {
	forEachEngine(t, func(t *testing.T, sess isam.Session) {
		_, err := New().SyncAll(context.Background(), sess, widgetV1(t), widgetV2(t))
		assert.True(t, apperrors.IsSchemaSync(err))

		_, err = sess.OpenTable("SchemaVersion")
		assert.ErrorIs(t, err, isam.ErrTableNotFound)
	})
}

func TestSyncAll_FailureKeepsNothing(t *testing.T) {
	forEachEngine(t, func(t *testing.T, sess isam.Session) {
		cur, err := sess.CreateTable("Widget", 0)
		require.NoError(t, err)
		_, err = cur.AddColumn("Id", isam.ColumnDef{Type: isam.ColumnLong, Flags: isam.ColumnNotNull})
		require.NoError(t, err)
		require.NoError(t, cur.CreateIndex("Legacy_index", "+Id\x00\x00", isam.IndexPrimary, 0))
		require.NoError(t, cur.Close())

		_, err = New().SyncAll(context.Background(), sess, gadgetMapping(t), widgetV1(t))
		require.Error(t, err)
		assert.True(t, apperrors.IsSchemaSync(err))

		names, err := sess.TableNames()
		require.NoError(t, err)
		assert.Equal(t, []string{"Widget"}, names)
	})
}

func TestLedger_LookupMissing(t *testing.T) {
	forEachEngine(t, func(t *testing.T, sess isam.Session) {
		ledger, err := NewLedger()
		require.NoError(t, err)

		_, err = ledger.Lookup(sess, "Widget")
		assert.True(t, apperrors.IsRecordNotFound(err))
		entries, err := ledger.Entries(sess)
		require.NoError(t, err)
		assert.Empty(t, entries)

		_, err = New().SyncAll(context.Background(), sess)
		require.NoError(t, err)
		_, err = ledger.Lookup(sess, "Widget")
		assert.True(t, apperrors.IsRecordNotFound(err))
	})
}
