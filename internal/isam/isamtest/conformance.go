// Package isamtest holds a conformance suite every isam.Engine must pass.
package isamtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isamap/isamap/internal/isam"
)

// Factory opens a fresh, empty engine for one test.
type Factory func(t *testing.T) isam.Engine

// Run executes the conformance suite against engines produced by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s isam.Session)
	}{
		{"TableLifecycle", testTableLifecycle},
		{"ColumnValues", testColumnValues},
		{"PrimaryIndexConstraints", testPrimaryIndexConstraints},
		{"SeekEqual", testSeekEqual},
		{"BoundedRangeInclusive", testBoundedRangeInclusive},
		{"CompositeOrdering", testCompositeOrdering},
		{"UniqueIgnoresNull", testUniqueIgnoresNull},
		{"VersionColumn", testVersionColumn},
		{"NotNullColumn", testNotNullColumn},
		{"DeleteKeepsPosition", testDeleteKeepsPosition},
		{"ReplaceMovesIndexEntry", testReplaceMovesIndexEntry},
		{"RollbackUndoesWork", testRollbackUndoesWork},
		{"NestedTransactions", testNestedTransactions},
		{"CreateIndexOverExistingRows", testCreateIndexOverExistingRows},
		{"ClusteredOrder", testClusteredOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := open(t)
			t.Cleanup(func() { _ = engine.Close() })
			s, err := engine.BeginSession(context.Background())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

type quoteTable struct {
	cur     isam.Cursor
	id      isam.ColumnID
	symbol  isam.ColumnID
	rank    isam.ColumnID
	price   isam.ColumnID
	version isam.ColumnID
}

// createQuotes creates a table with a primary index on Id and a secondary
// index on Rank.
func createQuotes(t *testing.T, s isam.Session) *quoteTable {
	t.Helper()
	cur, err := s.CreateTable("Quote", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cur.Close() })

	q := &quoteTable{cur: cur}
	q.id, err = cur.AddColumn("Id", isam.ColumnDef{Type: isam.ColumnLong, Flags: isam.ColumnNotNull})
	require.NoError(t, err)
	q.symbol, err = cur.AddColumn("Symbol", isam.ColumnDef{Type: isam.ColumnLongText})
	require.NoError(t, err)
	q.rank, err = cur.AddColumn("Rank", isam.ColumnDef{Type: isam.ColumnLong})
	require.NoError(t, err)
	q.price, err = cur.AddColumn("Price", isam.ColumnDef{Type: isam.ColumnIEEEDouble})
	require.NoError(t, err)
	q.version, err = cur.AddColumn("Version", isam.ColumnDef{Type: isam.ColumnLong, Flags: isam.ColumnVersion})
	require.NoError(t, err)

	require.NoError(t, cur.CreateIndex("Id_index", keyDef("Id"), isam.IndexPrimary, 0))
	require.NoError(t, cur.CreateIndex("Rank_index", keyDef("Rank"), 0, 90))
	return q
}

func keyDef(cols ...string) string {
	segs := make([]isam.KeySegment, len(cols))
	for i, c := range cols {
		if c[0] == '-' {
			segs[i] = isam.KeySegment{Column: c[1:], Descending: true}
		} else {
			segs[i] = isam.KeySegment{Column: c}
		}
	}
	return isam.FormatKeyDefinition(segs)
}

func (q *quoteTable) insert(t *testing.T, id int32, symbol string, rank int32) {
	t.Helper()
	require.NoError(t, q.tryInsert(id, []byte(symbol), isam.PutLong(rank)))
}

func (q *quoteTable) tryInsert(id int32, symbol, rank []byte) error {
	if err := q.cur.PrepareUpdate(isam.UpdateInsert); err != nil {
		return err
	}
	for _, set := range []struct {
		col isam.ColumnID
		v   []byte
	}{{q.id, isam.PutLong(id)}, {q.symbol, symbol}, {q.rank, rank}} {
		if err := q.cur.SetColumn(set.col, set.v); err != nil {
			_ = q.cur.CancelUpdate()
			return err
		}
	}
	if err := q.cur.Save(); err != nil {
		_ = q.cur.CancelUpdate()
		return err
	}
	return nil
}

func (q *quoteTable) seekID(t *testing.T, id int32) bool {
	t.Helper()
	require.NoError(t, q.cur.SetCurrentIndex("Id_index"))
	require.NoError(t, q.cur.MakeKey(isam.PutLong(id), isam.NewKey))
	found, err := q.cur.Seek(isam.SeekEQ)
	require.NoError(t, err)
	return found
}

func (q *quoteTable) long(t *testing.T, col isam.ColumnID) int32 {
	t.Helper()
	raw, err := q.cur.Retrieve(col)
	require.NoError(t, err)
	v, err := isam.Long(raw)
	require.NoError(t, err)
	return v
}

// drain collects the Id of the current record and every following one.
func (q *quoteTable) drain(t *testing.T) []int32 {
	t.Helper()
	var ids []int32
	for {
		ids = append(ids, q.long(t, q.id))
		ok, err := q.cur.MoveNext()
		require.NoError(t, err)
		if !ok {
			return ids
		}
	}
}

func (q *quoteTable) scan(t *testing.T, index string) []int32 {
	t.Helper()
	require.NoError(t, q.cur.SetCurrentIndex(index))
	ok, err := q.cur.MoveFirst()
	require.NoError(t, err)
	if !ok {
		return nil
	}
	return q.drain(t)
}

func testTableLifecycle(t *testing.T, s isam.Session) {
	q := createQuotes(t, s)

	_, err := s.CreateTable("Quote", 0)
	assert.ErrorIs(t, err, isam.ErrTableExists)
	_, err = s.OpenTable("Missing")
	assert.ErrorIs(t, err, isam.ErrTableNotFound)
	_, err = s.CreateTable("", 0)
	assert.ErrorIs(t, err, isam.ErrInvalidName)

	names, err := s.TableNames()
	require.NoError(t, err)
	assert.Contains(t, names, "Quote")

	_, err = q.cur.AddColumn("Symbol", isam.ColumnDef{Type: isam.ColumnLongText})
	assert.ErrorIs(t, err, isam.ErrColumnExists)
	_, err = q.cur.ColumnID("Missing")
	assert.ErrorIs(t, err, isam.ErrColumnNotFound)

	cols, err := q.cur.Columns()
	require.NoError(t, err)
	require.Len(t, cols, 5)
	assert.Equal(t, "Id", cols[0].Name)
	assert.Equal(t, isam.ColumnLong, cols[0].Def.Type)
	assert.True(t, cols[0].Def.NotNull())
	assert.True(t, cols[4].Def.Version())

	id, err := q.cur.ColumnID("Price")
	require.NoError(t, err)
	assert.Equal(t, q.price, id)

	indexes, err := q.cur.Indexes()
	require.NoError(t, err)
	require.Len(t, indexes, 2)
	byName := map[string]isam.IndexInfo{}
	for _, ix := range indexes {
		byName[ix.Name] = ix
	}
	assert.True(t, byName["Id_index"].Flags.Primary())
	assert.Equal(t, keyDef("Id"), byName["Id_index"].KeyDef)
	assert.Equal(t, 90, byName["Rank_index"].Density)
	assert.Equal(t, isam.DefaultDensity, byName["Id_index"].Density)

	assert.ErrorIs(t, q.cur.CreateIndex("Rank_index", keyDef("Rank"), 0, 0), isam.ErrIndexExists)
	assert.ErrorIs(t, q.cur.CreateIndex("Other", keyDef("Symbol"), isam.IndexPrimary, 0), isam.ErrPrimaryIndexExists)
	assert.ErrorIs(t, q.cur.CreateIndex("Bad", keyDef("Nope"), 0, 0), isam.ErrColumnNotFound)
	assert.ErrorIs(t, q.cur.CreateIndex("Bad", "Rank", 0, 0), isam.ErrInvalidKeyDefinition)
	assert.ErrorIs(t, q.cur.SetCurrentIndex("Nope"), isam.ErrIndexNotFound)

	reopened, err := s.OpenTable("Quote")
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, "Quote", reopened.Table())
}

func testColumnValues(t *testing.T, s isam.Session) {
	q := createQuotes(t, s)

	require.NoError(t, q.cur.PrepareUpdate(isam.UpdateInsert))
	require.NoError(t, q.cur.SetColumn(q.id, isam.PutLong(1)))
	require.NoError(t, q.cur.SetColumn(q.symbol, []byte{}))
	require.NoError(t, q.cur.SetColumn(q.price, isam.PutDouble(-12.5)))
	assert.ErrorIs(t, q.cur.SetColumn(q.rank, []byte{1, 2}), isam.ErrInvalidColumnValue)
	require.NoError(t, q.cur.Save())

	require.True(t, q.seekID(t, 1))
	symbol, err := q.cur.Retrieve(q.symbol)
	require.NoError(t, err)
	assert.NotNil(t, symbol)
	assert.Empty(t, symbol)

	rank, err := q.cur.Retrieve(q.rank)
	require.NoError(t, err)
	assert.Nil(t, rank)

	price, err := q.cur.Retrieve(q.price)
	require.NoError(t, err)
	p, err := isam.Double(price)
	require.NoError(t, err)
	assert.Equal(t, -12.5, p)

	_, err = q.cur.Retrieve(isam.ColumnID(999))
	assert.ErrorIs(t, err, isam.ErrColumnNotFound)

	assert.ErrorIs(t, q.cur.SetColumn(q.id, isam.PutLong(2)), isam.ErrUpdateNotPrepared)
	assert.ErrorIs(t, q.cur.Save(), isam.ErrUpdateNotPrepared)
	require.NoError(t, q.cur.PrepareUpdate(isam.UpdateInsert))
	assert.ErrorIs(t, q.cur.PrepareUpdate(isam.UpdateInsert), isam.ErrUpdateInProgress)
	require.NoError(t, q.cur.CancelUpdate())
}

func testPrimaryIndexConstraints(t *testing.T, s isam.Session) {
	q := createQuotes(t, s)
	q.insert(t, 1, "A", 1)

	err := q.tryInsert(1, []byte("B"), isam.PutLong(2))
	assert.ErrorIs(t, err, isam.ErrKeyDuplicate)

	assert.Equal(t, []int32{1}, q.scan(t, ""))
}

func testSeekEqual(t *testing.T, s isam.Session) {
	q := createQuotes(t, s)
	for i := int32(1); i <= 5; i++ {
		q.insert(t, i*10, "S", i)
	}

	assert.True(t, q.seekID(t, 30))
	assert.Equal(t, int32(30), q.long(t, q.id))
	assert.False(t, q.seekID(t, 35))

	_, err := q.cur.Seek(isam.SeekEQ)
	assert.ErrorIs(t, err, isam.ErrKeyNotMade)
	assert.ErrorIs(t, q.cur.MakeKey(isam.PutLong(1), 0), isam.ErrKeyNotMade)
	require.NoError(t, q.cur.MakeKey(isam.PutLong(1), isam.NewKey))
	assert.ErrorIs(t, q.cur.MakeKey(isam.PutLong(1), 0), isam.ErrKeyTooLong)
}

func testBoundedRangeInclusive(t *testing.T, s isam.Session) {
	q := createQuotes(t, s)
	for _, rank := range []int32{5, 3, 1, 4, 2} {
		q.insert(t, rank*100, "S", rank)
	}

	bounded := func(lo, hi int32) []int32 {
		require.NoError(t, q.cur.SetCurrentIndex("Rank_index"))
		require.NoError(t, q.cur.MakeKey(isam.PutLong(lo), isam.NewKey))
		ok, err := q.cur.Seek(isam.SeekGE)
		require.NoError(t, err)
		if !ok {
			return nil
		}
		require.NoError(t, q.cur.MakeKey(isam.PutLong(hi), isam.NewKey))
		ok, err = q.cur.SetUpperLimit()
		require.NoError(t, err)
		if !ok {
			return nil
		}
		var ranks []int32
		for {
			ranks = append(ranks, q.long(t, q.rank))
			more, err := q.cur.MoveNext()
			require.NoError(t, err)
			if !more {
				return ranks
			}
		}
	}

	assert.Equal(t, []int32{2, 3, 4}, bounded(2, 4))
	assert.Equal(t, []int32{5}, bounded(5, 5))
	assert.Empty(t, bounded(6, 10))
	assert.Empty(t, bounded(4, 2))
	assert.Equal(t, []int32{1, 2, 3, 4, 5}, bounded(-1, 99))
}

func testCompositeOrdering(t *testing.T, s isam.Session) {
	q := createQuotes(t, s)
	require.NoError(t, q.cur.CreateIndex("SymbolRank", keyDef("Symbol", "-Rank"), 0, 0))

	q.insert(t, 1, "B", 1)
	q.insert(t, 2, "A", 1)
	q.insert(t, 3, "B", 7)
	q.insert(t, 4, "A", 9)
	q.insert(t, 5, "C", 0)
	require.NoError(t, q.tryInsert(6, []byte("A"), nil))

	// NULL sorts last within a descending segment.
	assert.Equal(t, []int32{4, 2, 6, 3, 1, 5}, q.scan(t, "SymbolRank"))

	// A partial key positions on the first entry of the prefix.
	require.NoError(t, q.cur.SetCurrentIndex("SymbolRank"))
	require.NoError(t, q.cur.MakeKey([]byte("B"), isam.NewKey))
	ok, err := q.cur.Seek(isam.SeekEQ)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(3), q.long(t, q.id))

	require.NoError(t, q.cur.MakeKey([]byte("B"), isam.NewKey))
	require.NoError(t, q.cur.MakeKey(isam.PutLong(1), 0))
	ok, err = q.cur.Seek(isam.SeekEQ)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(1), q.long(t, q.id))
}

func testUniqueIgnoresNull(t *testing.T, s isam.Session) {
	q := createQuotes(t, s)
	require.NoError(t, q.cur.CreateIndex("Symbol_unique", keyDef("Symbol"), isam.IndexUnique, 0))

	require.NoError(t, q.tryInsert(1, nil, nil))
	require.NoError(t, q.tryInsert(2, nil, nil))
	require.NoError(t, q.tryInsert(3, []byte("X"), nil))
	assert.ErrorIs(t, q.tryInsert(4, []byte("X"), nil), isam.ErrKeyDuplicate)
}

func testVersionColumn(t *testing.T, s isam.Session) {
	q := createQuotes(t, s)
	q.insert(t, 1, "A", 1)

	require.True(t, q.seekID(t, 1))
	assert.Equal(t, int32(1), q.long(t, q.version))

	require.NoError(t, q.cur.PrepareUpdate(isam.UpdateReplace))
	assert.ErrorIs(t, q.cur.SetColumn(q.version, isam.PutLong(42)), isam.ErrVersionColumn)
	require.NoError(t, q.cur.SetColumn(q.symbol, []byte("B")))
	require.NoError(t, q.cur.Save())

	require.True(t, q.seekID(t, 1))
	assert.Equal(t, int32(2), q.long(t, q.version))

	require.NoError(t, q.cur.PrepareUpdate(isam.UpdateReplace))
	require.NoError(t, q.cur.Save())
	require.True(t, q.seekID(t, 1))
	assert.Equal(t, int32(3), q.long(t, q.version))

	_, err := q.cur.AddColumn("BadVersion", isam.ColumnDef{Type: isam.ColumnLongText, Flags: isam.ColumnVersion})
	assert.Error(t, err)
}

func testNotNullColumn(t *testing.T, s isam.Session) {
	q := createQuotes(t, s)
	err := q.tryInsert(0, nil, nil)
	require.NoError(t, err)

	require.NoError(t, q.cur.PrepareUpdate(isam.UpdateInsert))
	require.NoError(t, q.cur.SetColumn(q.symbol, []byte("no id")))
	err = q.cur.Save()
	assert.ErrorIs(t, err, isam.ErrNullInvalid)
	require.NoError(t, q.cur.CancelUpdate())
}

func testDeleteKeepsPosition(t *testing.T, s isam.Session) {
	q := createQuotes(t, s)
	for i := int32(1); i <= 4; i++ {
		q.insert(t, i, "S", i)
	}

	require.True(t, q.seekID(t, 2))
	require.NoError(t, q.cur.Delete())
	_, err := q.cur.Retrieve(q.id)
	assert.Error(t, err)

	ok, err := q.cur.MoveNext()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(3), q.long(t, q.id))

	assert.False(t, q.seekID(t, 2))
	assert.Equal(t, []int32{1, 3, 4}, q.scan(t, ""))
}

func testReplaceMovesIndexEntry(t *testing.T, s isam.Session) {
	q := createQuotes(t, s)
	q.insert(t, 1, "A", 1)
	q.insert(t, 2, "B", 2)
	q.insert(t, 3, "C", 3)

	require.True(t, q.seekID(t, 1))
	require.NoError(t, q.cur.PrepareUpdate(isam.UpdateReplace))
	require.NoError(t, q.cur.SetColumn(q.rank, isam.PutLong(10)))
	require.NoError(t, q.cur.Save())

	assert.Equal(t, []int32{2, 3, 1}, q.scan(t, "Rank_index"))

	require.True(t, q.seekID(t, 2))
	require.NoError(t, q.cur.PrepareUpdate(isam.UpdateReplace))
	require.NoError(t, q.cur.SetColumn(q.id, isam.PutLong(3)))
	assert.ErrorIs(t, q.cur.Save(), isam.ErrKeyDuplicate)
	require.NoError(t, q.cur.CancelUpdate())
}

func testRollbackUndoesWork(t *testing.T, s isam.Session) {
	require.NoError(t, s.Begin())
	q := createQuotes(t, s)
	q.insert(t, 1, "A", 1)
	require.NoError(t, s.Commit())

	require.NoError(t, s.Begin())
	assert.True(t, s.InTransaction())
	q.insert(t, 2, "B", 2)
	require.True(t, q.seekID(t, 1))
	require.NoError(t, q.cur.Delete())
	_, err := q.cur.AddColumn("Extra", isam.ColumnDef{Type: isam.ColumnBit})
	require.NoError(t, err)
	require.NoError(t, q.cur.CreateIndex("Symbol_index", keyDef("Symbol"), 0, 0))
	other, err := s.CreateTable("Scratch", 0)
	require.NoError(t, err)
	require.NoError(t, other.Close())
	require.NoError(t, s.Rollback())
	assert.False(t, s.InTransaction())

	_, err = s.OpenTable("Scratch")
	assert.ErrorIs(t, err, isam.ErrTableNotFound)

	cur, err := s.OpenTable("Quote")
	require.NoError(t, err)
	defer cur.Close()
	_, err = cur.ColumnID("Extra")
	assert.ErrorIs(t, err, isam.ErrColumnNotFound)
	indexes, err := cur.Indexes()
	require.NoError(t, err)
	assert.Len(t, indexes, 2)

	reopened := &quoteTable{cur: cur, id: q.id, symbol: q.symbol, rank: q.rank, version: q.version}
	assert.Equal(t, []int32{1}, reopened.scan(t, ""))

	assert.ErrorIs(t, s.Commit(), isam.ErrNotInTransaction)
	assert.ErrorIs(t, s.Rollback(), isam.ErrNotInTransaction)
}

func testNestedTransactions(t *testing.T, s isam.Session) {
	q := createQuotes(t, s)

	require.NoError(t, s.Begin())
	q.insert(t, 1, "A", 1)
	require.NoError(t, s.Begin())
	q.insert(t, 2, "B", 2)
	require.NoError(t, s.Rollback())
	assert.True(t, s.InTransaction())
	require.NoError(t, s.Begin())
	q.insert(t, 3, "C", 3)
	require.NoError(t, s.Commit())
	require.NoError(t, s.Commit())

	assert.Equal(t, []int32{1, 3}, q.scan(t, ""))

	require.NoError(t, s.Begin())
	require.NoError(t, s.Begin())
	q.insert(t, 4, "D", 4)
	require.NoError(t, s.Commit())
	require.NoError(t, s.Rollback())
	assert.Equal(t, []int32{1, 3}, q.scan(t, ""))
}

func testCreateIndexOverExistingRows(t *testing.T, s isam.Session) {
	q := createQuotes(t, s)
	q.insert(t, 1, "A", 7)
	q.insert(t, 2, "B", 7)
	require.NoError(t, q.tryInsert(3, nil, isam.PutLong(1)))

	assert.ErrorIs(t, q.cur.CreateIndex("Rank_unique", keyDef("Rank"), isam.IndexUnique, 0), isam.ErrKeyDuplicate)
	assert.ErrorIs(t, q.cur.CreateIndex("Symbol_strict", keyDef("Symbol"), isam.IndexDisallowNull, 0), isam.ErrNullKeyDisallowed)

	require.NoError(t, q.cur.CreateIndex("Symbol_index", keyDef("-Symbol"), 0, 0))
	assert.Equal(t, []int32{2, 1, 3}, q.scan(t, "Symbol_index"))
}

func testClusteredOrder(t *testing.T, s isam.Session) {
	cur, err := s.CreateTable("Log", 0)
	require.NoError(t, err)
	defer cur.Close()
	msg, err := cur.AddColumn("Message", isam.ColumnDef{Type: isam.ColumnLongText})
	require.NoError(t, err)

	for _, m := range []string{"c", "a", "b"} {
		require.NoError(t, cur.PrepareUpdate(isam.UpdateInsert))
		require.NoError(t, cur.SetColumn(msg, []byte(m)))
		require.NoError(t, cur.Save())
	}

	require.NoError(t, cur.SetCurrentIndex(""))
	ok, err := cur.MoveFirst()
	require.NoError(t, err)
	var got []string
	for ok {
		v, err := cur.Retrieve(msg)
		require.NoError(t, err)
		got = append(got, string(v))
		ok, err = cur.MoveNext()
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"c", "a", "b"}, got)
}
