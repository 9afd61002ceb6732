package memengine

import (
	"fmt"
	"sort"

	"github.com/isamap/isamap/internal/isam"
)

type column struct {
	id   isam.ColumnID
	name string
	def  isam.ColumnDef
}

type row struct {
	bookmark uint64
	values   map[isam.ColumnID][]byte
}

func (r *row) clone() *row {
	cp := &row{bookmark: r.bookmark, values: make(map[isam.ColumnID][]byte, len(r.values))}
	for id, v := range r.values {
		cp.values[id] = v
	}
	return cp
}

// entry is one index entry. Entries are ordered by key, then bookmark.
type entry struct {
	key      [][]byte
	bookmark uint64
}

// index keeps its entries sorted. The clustered index has no segments, so
// its entries fall back to bookmark order.
type index struct {
	info    isam.IndexInfo
	cols    []isam.ColumnID
	entries []entry
}

func (ix *index) compare(a [][]byte, abm uint64, b [][]byte, bbm uint64) int {
	if c := isam.CompareKeys(ix.info.Segments, a, b); c != 0 {
		return c
	}
	switch {
	case abm < bbm:
		return -1
	case abm > bbm:
		return 1
	}
	return 0
}

func (ix *index) keyOf(r *row) [][]byte {
	key := make([][]byte, len(ix.cols))
	for i, col := range ix.cols {
		key[i] = r.values[col]
	}
	return key
}

// check reports whether r can enter the index without violating its flags.
func (ix *index) check(r *row) error {
	key := ix.keyOf(r)
	hasNull := false
	for _, v := range key {
		if v == nil {
			hasNull = true
			break
		}
	}
	if hasNull && ix.info.Flags.DisallowNull() {
		return fmt.Errorf("index %s: %w", ix.info.Name, isam.ErrNullKeyDisallowed)
	}
	// Keys with a NULL segment never collide.
	if hasNull || !ix.info.Flags.Unique() {
		return nil
	}
	i := ix.lowerBound(key)
	for ; i < len(ix.entries); i++ {
		e := ix.entries[i]
		if isam.CompareKeys(ix.info.Segments, key, e.key) != 0 {
			break
		}
		if e.bookmark != r.bookmark {
			return fmt.Errorf("index %s: %w", ix.info.Name, isam.ErrKeyDuplicate)
		}
	}
	return nil
}

// lowerBound returns the first entry whose key is >= the (possibly partial) key.
func (ix *index) lowerBound(key [][]byte) int {
	return sort.Search(len(ix.entries), func(i int) bool {
		return isam.ComparePrefix(ix.info.Segments, key, ix.entries[i].key) <= 0
	})
}

// after returns the first entry strictly after (key, bookmark).
func (ix *index) after(key [][]byte, bookmark uint64) int {
	return sort.Search(len(ix.entries), func(i int) bool {
		e := ix.entries[i]
		return ix.compare(e.key, e.bookmark, key, bookmark) > 0
	})
}

func (ix *index) insert(r *row) {
	key := ix.keyOf(r)
	i := ix.after(key, r.bookmark)
	ix.entries = append(ix.entries, entry{})
	copy(ix.entries[i+1:], ix.entries[i:])
	ix.entries[i] = entry{key: key, bookmark: r.bookmark}
}

func (ix *index) remove(r *row) {
	key := ix.keyOf(r)
	i := sort.Search(len(ix.entries), func(i int) bool {
		e := ix.entries[i]
		return ix.compare(e.key, e.bookmark, key, r.bookmark) >= 0
	})
	if i < len(ix.entries) && ix.entries[i].bookmark == r.bookmark {
		ix.entries = append(ix.entries[:i], ix.entries[i+1:]...)
	}
}

func (ix *index) rebuild(rows map[uint64]*row) error {
	ix.entries = ix.entries[:0]
	bookmarks := make([]uint64, 0, len(rows))
	for bm := range rows {
		bookmarks = append(bookmarks, bm)
	}
	sort.Slice(bookmarks, func(i, j int) bool { return bookmarks[i] < bookmarks[j] })
	for _, bm := range bookmarks {
		r := rows[bm]
		if err := ix.check(r); err != nil {
			return err
		}
		ix.insert(r)
	}
	return nil
}

type table struct {
	name         string
	density      int
	columns      []*column
	byName       map[string]*column
	nextColumnID isam.ColumnID
	indexes      []*index
	clustered    *index
	rows         map[uint64]*row
	nextBookmark uint64
}

func newTable(name string, density int) *table {
	return &table{
		name:         name,
		density:      density,
		byName:       make(map[string]*column),
		nextColumnID: 1,
		clustered:    &index{},
		rows:         make(map[uint64]*row),
		nextBookmark: 1,
	}
}

func (t *table) column(id isam.ColumnID) *column {
	for _, c := range t.columns {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (t *table) index(name string) *index {
	for _, ix := range t.indexes {
		if ix.info.Name == name {
			return ix
		}
	}
	return nil
}

func (t *table) primary() *index {
	for _, ix := range t.indexes {
		if ix.info.Flags.Primary() {
			return ix
		}
	}
	return nil
}

func (t *table) addColumn(name string, def isam.ColumnDef) *column {
	c := &column{id: t.nextColumnID, name: name, def: def}
	t.nextColumnID++
	t.columns = append(t.columns, c)
	t.byName[name] = c
	return c
}

func (t *table) dropColumn(c *column) {
	for i, cur := range t.columns {
		if cur == c {
			t.columns = append(t.columns[:i], t.columns[i+1:]...)
			break
		}
	}
	delete(t.byName, c.name)
	for _, r := range t.rows {
		delete(r.values, c.id)
	}
}

func (t *table) dropIndex(ix *index) {
	for i, cur := range t.indexes {
		if cur == ix {
			t.indexes = append(t.indexes[:i], t.indexes[i+1:]...)
			return
		}
	}
}

// checkRow validates r against every index.
func (t *table) checkRow(r *row) error {
	for _, ix := range t.indexes {
		if err := ix.check(r); err != nil {
			return err
		}
	}
	return nil
}

func (t *table) putRow(r *row) {
	t.rows[r.bookmark] = r
	t.clustered.insert(r)
	for _, ix := range t.indexes {
		ix.insert(r)
	}
}

func (t *table) removeRow(bookmark uint64) *row {
	r, ok := t.rows[bookmark]
	if !ok {
		return nil
	}
	t.clustered.remove(r)
	for _, ix := range t.indexes {
		ix.remove(r)
	}
	delete(t.rows, bookmark)
	return r
}
