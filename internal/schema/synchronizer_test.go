package schema

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/isamap/isamap/internal/errors"
	"github.com/isamap/isamap/internal/isam"
	"github.com/isamap/isamap/internal/isam/memengine"
	"github.com/isamap/isamap/internal/isam/sqlengine"
	"github.com/isamap/isamap/internal/mapping"
)

type Widget struct {
	Id     int32
	Name   string
	Weight float64
	Color  string
}

func widgetV1(t *testing.T) *mapping.EntityMapping[Widget] {
	t.Helper()
	b := mapping.New[Widget](nil, nil)
	b.Identity(func(w *Widget) any { return &w.Id })
	b.Field(func(w *Widget) any { return &w.Name }).NotNull()
	b.Field(func(w *Widget) any { return &w.Weight })
	b.IndexOn(func(w *Widget) any { return &w.Name }, "Name").Density(90)
	m, err := b.Build()
	require.NoError(t, err)
	return m
}

func widgetV2(t *testing.T) *mapping.EntityMapping[Widget] {
	t.Helper()
	b := mapping.New[Widget](nil, nil)
	b.Identity(func(w *Widget) any { return &w.Id })
	b.Field(func(w *Widget) any { return &w.Name }).NotNull()
	b.Field(func(w *Widget) any { return &w.Weight })
	b.Field(func(w *Widget) any { return &w.Color })
	b.IndexOn(func(w *Widget) any { return &w.Name }, "Name").Density(90)
	b.IndexOn(func(w *Widget) any { return &w.Color }, "ColorWeight").
		ThenBy(func(w *Widget) any { return &w.Weight }).Descending()
	m, err := b.Build()
	require.NoError(t, err)
	return m
}

type factory func(t *testing.T) isam.Engine

func engines() map[string]factory {
	return map[string]factory{
		"memengine": func(t *testing.T) isam.Engine { return memengine.New() },
		"sqlengine": func(t *testing.T) isam.Engine {
			e, err := sqlengine.Open(filepath.Join(t.TempDir(), "schema.db"))
			require.NoError(t, err)
			return e
		},
	}
}

func forEachEngine(t *testing.T, fn func(t *testing.T, sess isam.Session)) {
	for name, open := range engines() {
		t.Run(name, func(t *testing.T) {
			e := open(t)
			t.Cleanup(func() { _ = e.Close() })
			sess, err := e.BeginSession(context.Background())
			require.NoError(t, err)
			t.Cleanup(func() { _ = sess.Close() })
			fn(t, sess)
		})
	}
}

func physical(t *testing.T, sess isam.Session, table string) ([]string, []isam.IndexInfo) {
	t.Helper()
	cur, err := sess.OpenTable(table)
	require.NoError(t, err)
	defer cur.Close()
	cols, err := cur.Columns()
	require.NoError(t, err)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	ixs, err := cur.Indexes()
	require.NoError(t, err)
	return names, ixs
}

func indexNamed(ixs []isam.IndexInfo, name string) (isam.IndexInfo, bool) {
	for _, ix := range ixs {
		if ix.Name == name {
			return ix, true
		}
	}
	return isam.IndexInfo{}, false
}

func TestSync_CreatesSchema(t *testing.T) {
	forEachEngine(t, func(t *testing.T, sess isam.Session) {
		ctx := context.Background()
		report, err := New().Sync(ctx, sess, widgetV1(t))
		require.NoError(t, err)

		assert.True(t, report.Changed())
		assert.True(t, report.CreatedTable)
		assert.Equal(t, []string{"Id", "Name", "Weight"}, report.AddedColumns)
		assert.Equal(t, []string{"Id_index", "Name_index"}, report.CreatedIndexes)
		assert.False(t, sess.InTransaction())

		cols, ixs := physical(t, sess, "Widget")
		assert.ElementsMatch(t, []string{"Id", "Name", "Weight"}, cols)
		require.Len(t, ixs, 2)

		pk, ok := indexNamed(ixs, "Id_index")
		require.True(t, ok)
		assert.True(t, pk.Flags.Primary())
		assert.Equal(t, "+Id\x00\x00", pk.KeyDef)

		byName, ok := indexNamed(ixs, "Name_index")
		require.True(t, ok)
		assert.Equal(t, 90, byName.Density)
		assert.False(t, byName.Flags.Unique())
	})
}

func TestSync_Idempotent(t *testing.T) {
	forEachEngine(t, func(t *testing.T, sess isam.Session) {
		ctx := context.Background()
		s := New()
		m := widgetV1(t)
		_, err := s.Sync(ctx, sess, m)
		require.NoError(t, err)
		colsBefore, ixsBefore := physical(t, sess, "Widget")

		report, err := s.Sync(ctx, sess, m)
		require.NoError(t, err)
		assert.False(t, report.Changed())
		assert.Empty(t, report.AddedColumns)
		assert.Empty(t, report.CreatedIndexes)

		colsAfter, ixsAfter := physical(t, sess, "Widget")
		assert.Equal(t, colsBefore, colsAfter)
		assert.Equal(t, ixsBefore, ixsAfter)
	})
}

func TestSync_AddsWhatIsMissing(t *testing.T) {
	forEachEngine(t, func(t *testing.T, sess isam.Session) {
		ctx := context.Background()
		s := New(WithDefaultDensity(70))
		_, err := s.Sync(ctx, sess, widgetV1(t))
		require.NoError(t, err)

		report, err := s.Sync(ctx, sess, widgetV2(t))
		require.NoError(t, err)
		assert.False(t, report.CreatedTable)
		assert.Equal(t, []string{"Color"}, report.AddedColumns)
		assert.Equal(t, []string{"ColorWeight_index"}, report.CreatedIndexes)

		_, ixs := physical(t, sess, "Widget")
		cw, ok := indexNamed(ixs, "ColorWeight_index")
		require.True(t, ok)
		assert.Equal(t, "+Color\x00-Weight\x00\x00", cw.KeyDef)
		assert.Equal(t, 70, cw.Density)
	})
}

func TestSync_FailureRollsBack(t *testing.T) {
	forEachEngine(t, func(t *testing.T, sess isam.Session) {
		cur, err := sess.CreateTable("Widget", 0)
		require.NoError(t, err)
		_, err = cur.AddColumn("Id", isam.ColumnDef{Type: isam.ColumnLong, Flags: isam.ColumnNotNull})
		require.NoError(t, err)
		require.NoError(t, cur.CreateIndex("Legacy_index", "+Id\x00\x00", isam.IndexPrimary, 0))
		require.NoError(t, cur.Close())

		core, logs := observer.New(zap.ErrorLevel)
		_, err = New(WithLogger(zap.New(core).Sugar())).Sync(context.Background(), sess, widgetV1(t))
		require.Error(t, err)
		assert.True(t, apperrors.IsSchemaSync(err))
		assert.ErrorIs(t, err, isam.ErrPrimaryIndexExists)
		assert.Equal(t, 1, logs.FilterMessage("schema sync failed").Len())

		cols, ixs := physical(t, sess, "Widget")
		assert.Equal(t, []string{"Id"}, cols, "added columns are rolled back")
		require.Len(t, ixs, 1)
		assert.Equal(t, "Legacy_index", ixs[0].Name)
		assert.False(t, sess.InTransaction())
	})
}

func TestSync_NestsInCallerTransaction(t *testing.T) {
	forEachEngine(t, func(t *testing.T, sess isam.Session) {
		require.NoError(t, sess.Begin())
		_, err := New().Sync(context.Background(), sess, widgetV1(t))
		require.NoError(t, err)
		assert.True(t, sess.InTransaction())
		require.NoError(t, sess.Rollback())

		_, err = sess.OpenTable("Widget")
		assert.ErrorIs(t, err, isam.ErrTableNotFound)
	})
}

func TestSync_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess, err := memengine.New().BeginSession(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	_, err = New().Sync(ctx, sess, widgetV1(t))
	assert.True(t, apperrors.IsSchemaSync(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSync_LogsChanges(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := New(WithLogger(zap.New(core).Sugar()))
	sess, err := memengine.New().BeginSession(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	_, err = s.Sync(context.Background(), sess, widgetV1(t))
	require.NoError(t, err)
	_, err = s.Sync(context.Background(), sess, widgetV1(t))
	require.NoError(t, err)

	assert.Equal(t, 1, logs.FilterMessage("schema synced").Len())
	assert.Equal(t, 1, logs.FilterMessage("schema up to date").Len())
}
