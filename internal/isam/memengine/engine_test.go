package memengine

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isamap/isamap/internal/isam"
	"github.com/isamap/isamap/internal/isam/isamtest"
)

func TestConformance(t *testing.T) {
	isamtest.Run(t, func(t *testing.T) isam.Engine { return New() })
}

func newStockTable(t *testing.T, s isam.Session) (isam.Cursor, isam.ColumnID, isam.ColumnID) {
	t.Helper()
	cur, err := s.CreateTable("Stock", 0)
	require.NoError(t, err)
	sym, err := cur.AddColumn("Symbol", isam.ColumnDef{Type: isam.ColumnLongText, Flags: isam.ColumnNotNull})
	require.NoError(t, err)
	price, err := cur.AddColumn("Price", isam.ColumnDef{Type: isam.ColumnIEEEDouble})
	require.NoError(t, err)
	require.NoError(t, cur.CreateIndex("Symbol_index", "+Symbol\x00\x00", isam.IndexPrimary, 0))
	return cur, sym, price
}

func insertStock(cur isam.Cursor, sym, price isam.ColumnID, symbol string, p float64) error {
	if err := cur.PrepareUpdate(isam.UpdateInsert); err != nil {
		return err
	}
	if err := cur.SetColumn(sym, []byte(symbol)); err != nil {
		return err
	}
	if err := cur.SetColumn(price, isam.PutDouble(p)); err != nil {
		return err
	}
	return cur.Save()
}

func TestWriteConflictBetweenSessions(t *testing.T) {
	e := New()
	ctx := context.Background()

	s1, err := e.BeginSession(ctx)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := e.BeginSession(ctx)
	require.NoError(t, err)
	defer s2.Close()

	cur1, sym, price := newStockTable(t, s1)
	cur2, err := s2.OpenTable("Stock")
	require.NoError(t, err)

	require.NoError(t, s1.Begin())
	require.NoError(t, insertStock(cur1, sym, price, "MSFT", 410))

	err = insertStock(cur2, sym, price, "AAPL", 190)
	assert.ErrorIs(t, err, isam.ErrWriteConflict)
	require.NoError(t, cur2.CancelUpdate())

	require.NoError(t, s1.Commit())
	require.NoError(t, insertStock(cur2, sym, price, "AAPL", 190))
}

func TestSessionCloseRollsBack(t *testing.T) {
	e := New()
	s, err := e.BeginSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Begin())
	_, err = s.CreateTable("Temp", 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Equal(t, 0, e.TableCount())

	other, err := e.BeginSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, other.Begin())
	_, err = other.CreateTable("Temp", 0)
	assert.NoError(t, err, "writer must be released by Close")
}

func TestClosedEngine(t *testing.T) {
	e := New()
	s, err := e.BeginSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = s.TableNames()
	assert.ErrorIs(t, err, isam.ErrClosed)
	_, err = e.BeginSession(context.Background())
	assert.ErrorIs(t, err, isam.ErrClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New().BeginSession(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSnapshotRestore(t *testing.T) {
	e := New()
	s, err := e.BeginSession(context.Background())
	require.NoError(t, err)
	cur, sym, price := newStockTable(t, s)
	require.NoError(t, insertStock(cur, sym, price, "MSFT", 410.5))
	require.NoError(t, insertStock(cur, sym, price, "AAPL", 190.25))
	require.NoError(t, cur.PrepareUpdate(isam.UpdateInsert))
	require.NoError(t, cur.SetColumn(sym, []byte("NULLP")))
	require.NoError(t, cur.Save())

	var buf bytes.Buffer
	n, err := e.Snapshot(&buf)
	require.NoError(t, err)
	assert.Equal(t, buf.Len(), n)

	restored := New()
	require.NoError(t, restored.Restore(bytes.NewReader(buf.Bytes())))

	rs, err := restored.BeginSession(context.Background())
	require.NoError(t, err)
	defer rs.Close()
	rc, err := rs.OpenTable("Stock")
	require.NoError(t, err)

	indexes, err := rc.Indexes()
	require.NoError(t, err)
	require.Len(t, indexes, 1)
	assert.True(t, indexes[0].Flags.Primary())

	var symbols []string
	ok, err := rc.MoveFirst()
	require.NoError(t, err)
	for ok {
		v, err := rc.Retrieve(sym)
		require.NoError(t, err)
		symbols = append(symbols, string(v))
		ok, err = rc.MoveNext()
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"AAPL", "MSFT", "NULLP"}, symbols)

	require.NoError(t, rc.MakeKey([]byte("NULLP"), isam.NewKey))
	found, err := rc.Seek(isam.SeekEQ)
	require.NoError(t, err)
	require.True(t, found)
	p, err := rc.Retrieve(price)
	require.NoError(t, err)
	assert.Nil(t, p)

	// Bookmarks continue after the restored rows.
	require.NoError(t, insertStock(rc, sym, price, "GOOG", 170))
}

func TestSnapshotRefusedDuringWrite(t *testing.T) {
	e := New()
	s, err := e.BeginSession(context.Background())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Begin())
	_, err = s.CreateTable("Pending", 0)
	require.NoError(t, err)

	_, err = e.Snapshot(&bytes.Buffer{})
	assert.ErrorIs(t, err, isam.ErrWriteConflict)

	var empty bytes.Buffer
	_, err = New().Snapshot(&empty)
	require.NoError(t, err)
	assert.ErrorIs(t, e.Restore(&empty), isam.ErrWriteConflict)
}

func TestRestoreRejectsGarbage(t *testing.T) {
	err := New().Restore(bytes.NewReader([]byte("not a snapshot")))
	assert.Error(t, err)
}
