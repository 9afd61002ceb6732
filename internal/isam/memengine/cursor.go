package memengine

import (
	"fmt"

	"github.com/isamap/isamap/internal/isam"
)

type position uint8

const (
	posBefore position = iota
	posOn
	posAfter
)

type pendingUpdate struct {
	mode   isam.UpdateMode
	target uint64
	values map[isam.ColumnID][]byte
}

type cursor struct {
	s *session
	t *table
	// ix is the current index; the clustered index when none is selected.
	ix *index

	pos         position
	posKey      [][]byte
	posBookmark uint64

	key      [][]byte
	keyMade  bool
	upper    [][]byte
	hasUpper bool

	update *pendingUpdate
	closed bool
}

var _ isam.Cursor = (*cursor)(nil)

// live checks the cursor and its table still exist. Callers hold e.mu.
func (c *cursor) live() error {
	if c.closed {
		return isam.ErrClosed
	}
	if err := c.s.check(); err != nil {
		return err
	}
	if c.s.e.tables[c.t.name] != c.t {
		return fmt.Errorf("%s: %w", c.t.name, isam.ErrTableNotFound)
	}
	return nil
}

func (c *cursor) Table() string { return c.t.name }

func (c *cursor) Columns() ([]isam.ColumnInfo, error) {
	c.s.e.mu.RLock()
	defer c.s.e.mu.RUnlock()
	if err := c.live(); err != nil {
		return nil, err
	}
	out := make([]isam.ColumnInfo, len(c.t.columns))
	for i, col := range c.t.columns {
		out[i] = isam.ColumnInfo{ID: col.id, Name: col.name, Def: col.def}
	}
	return out, nil
}

func (c *cursor) ColumnID(name string) (isam.ColumnID, error) {
	c.s.e.mu.RLock()
	defer c.s.e.mu.RUnlock()
	if err := c.live(); err != nil {
		return 0, err
	}
	col, ok := c.t.byName[name]
	if !ok {
		return 0, fmt.Errorf("%s.%s: %w", c.t.name, name, isam.ErrColumnNotFound)
	}
	return col.id, nil
}

func (c *cursor) AddColumn(name string, def isam.ColumnDef) (isam.ColumnID, error) {
	if err := validName(name); err != nil {
		return 0, err
	}
	if _, ok := columnTypes[def.Type]; !ok {
		return 0, fmt.Errorf("column %s type %d: %w", name, def.Type, isam.ErrInvalidColumnValue)
	}
	if def.Version() && def.Type != isam.ColumnLong {
		return 0, fmt.Errorf("column %s: version columns must be Long: %w", name, isam.ErrInvalidColumnValue)
	}

	e := c.s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.live(); err != nil {
		return 0, err
	}
	if err := e.acquireWrite(c.s); err != nil {
		return 0, err
	}
	if _, ok := c.t.byName[name]; ok {
		return 0, fmt.Errorf("%s.%s: %w", c.t.name, name, isam.ErrColumnExists)
	}
	col := c.t.addColumn(name, def)
	t := c.t
	c.s.logUndo(func() { t.dropColumn(col) })
	return col.id, nil
}

var columnTypes = map[isam.ColumnType]struct{}{
	isam.ColumnBit: {}, isam.ColumnShort: {}, isam.ColumnLong: {},
	isam.ColumnIEEESingle: {}, isam.ColumnIEEEDouble: {}, isam.ColumnDateTime: {},
	isam.ColumnBinary: {}, isam.ColumnLongBinary: {}, isam.ColumnLongText: {},
}

func (c *cursor) Indexes() ([]isam.IndexInfo, error) {
	c.s.e.mu.RLock()
	defer c.s.e.mu.RUnlock()
	if err := c.live(); err != nil {
		return nil, err
	}
	out := make([]isam.IndexInfo, len(c.t.indexes))
	for i, ix := range c.t.indexes {
		info := ix.info
		info.Segments = append([]isam.KeySegment(nil), ix.info.Segments...)
		out[i] = info
	}
	return out, nil
}

func (c *cursor) CreateIndex(name, keyDef string, flags isam.IndexFlags, density int) error {
	if err := validName(name); err != nil {
		return err
	}
	segments, err := isam.ParseKeyDefinition(keyDef)
	if err != nil {
		return err
	}
	density, err = isam.NormalizeDensity(density)
	if err != nil {
		return err
	}

	e := c.s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.live(); err != nil {
		return err
	}
	if err := e.acquireWrite(c.s); err != nil {
		return err
	}
	if c.t.index(name) != nil {
		return fmt.Errorf("%s.%s: %w", c.t.name, name, isam.ErrIndexExists)
	}
	if flags.Primary() && c.t.primary() != nil {
		return fmt.Errorf("%s.%s: %w", c.t.name, name, isam.ErrPrimaryIndexExists)
	}

	ix := &index{
		info: isam.IndexInfo{
			Name:     name,
			KeyDef:   isam.FormatKeyDefinition(segments),
			Segments: segments,
			Flags:    flags,
			Density:  density,
		},
	}
	for _, seg := range segments {
		col, ok := c.t.byName[seg.Column]
		if !ok {
			return fmt.Errorf("index %s segment %s: %w", name, seg.Column, isam.ErrColumnNotFound)
		}
		ix.cols = append(ix.cols, col.id)
	}
	if err := ix.rebuild(c.t.rows); err != nil {
		return err
	}

	c.t.indexes = append(c.t.indexes, ix)
	t := c.t
	c.s.logUndo(func() { t.dropIndex(ix) })
	return nil
}

func (c *cursor) useIndex(ix *index) {
	if ix == nil {
		ix = c.t.clustered
	}
	c.ix = ix
	c.pos = posBefore
	c.posKey = nil
	c.keyMade = false
	c.key = nil
	c.hasUpper = false
	c.upper = nil
}

func (c *cursor) SetCurrentIndex(name string) error {
	c.s.e.mu.RLock()
	defer c.s.e.mu.RUnlock()
	if err := c.live(); err != nil {
		return err
	}
	if name == "" {
		c.useIndex(c.t.primary())
		return nil
	}
	ix := c.t.index(name)
	if ix == nil {
		return fmt.Errorf("%s.%s: %w", c.t.name, name, isam.ErrIndexNotFound)
	}
	c.useIndex(ix)
	return nil
}

func (c *cursor) MakeKey(value []byte, grbit isam.KeyGrbit) error {
	if c.closed {
		return isam.ErrClosed
	}
	if grbit&isam.NewKey != 0 {
		c.key = c.key[:0]
		c.keyMade = true
	} else if !c.keyMade {
		return isam.ErrKeyNotMade
	}
	if len(c.key) >= len(c.ix.info.Segments) {
		return isam.ErrKeyTooLong
	}
	var v []byte
	if value != nil {
		v = append([]byte{}, value...)
	}
	c.key = append(c.key, v)
	return nil
}

// takeKey consumes the key under construction.
func (c *cursor) takeKey() ([][]byte, error) {
	if !c.keyMade {
		return nil, isam.ErrKeyNotMade
	}
	key := c.key
	c.key = nil
	c.keyMade = false
	return key, nil
}

func (c *cursor) Seek(mode isam.SeekMode) (bool, error) {
	c.s.e.mu.RLock()
	defer c.s.e.mu.RUnlock()
	if err := c.live(); err != nil {
		return false, err
	}
	key, err := c.takeKey()
	if err != nil {
		return false, err
	}
	c.hasUpper = false
	c.upper = nil

	i := c.ix.lowerBound(key)
	found := i < len(c.ix.entries)
	if found && mode == isam.SeekEQ {
		found = isam.ComparePrefix(c.ix.info.Segments, key, c.ix.entries[i].key) == 0
	}
	if !found {
		c.pos = posAfter
		return false, nil
	}
	c.moveTo(i)
	return true, nil
}

func (c *cursor) SetUpperLimit() (bool, error) {
	c.s.e.mu.RLock()
	defer c.s.e.mu.RUnlock()
	if err := c.live(); err != nil {
		return false, err
	}
	key, err := c.takeKey()
	if err != nil {
		return false, err
	}
	if c.pos != posOn {
		return false, isam.ErrNoCurrentRecord
	}
	c.upper = key
	c.hasUpper = true
	if c.beyondUpper(c.posKey) {
		c.pos = posAfter
		return false, nil
	}
	return true, nil
}

func (c *cursor) beyondUpper(key [][]byte) bool {
	return c.hasUpper && isam.ComparePrefix(c.ix.info.Segments, c.upper, key) < 0
}

func (c *cursor) moveTo(i int) {
	e := c.ix.entries[i]
	c.pos = posOn
	c.posKey = e.key
	c.posBookmark = e.bookmark
}

func (c *cursor) MoveFirst() (bool, error) {
	c.s.e.mu.RLock()
	defer c.s.e.mu.RUnlock()
	if err := c.live(); err != nil {
		return false, err
	}
	c.hasUpper = false
	c.upper = nil
	if len(c.ix.entries) == 0 {
		c.pos = posAfter
		return false, nil
	}
	c.moveTo(0)
	return true, nil
}

func (c *cursor) MoveNext() (bool, error) {
	c.s.e.mu.RLock()
	defer c.s.e.mu.RUnlock()
	if err := c.live(); err != nil {
		return false, err
	}
	var i int
	switch c.pos {
	case posBefore:
		i = 0
	case posAfter:
		return false, nil
	default:
		i = c.ix.after(c.posKey, c.posBookmark)
	}
	if i >= len(c.ix.entries) || c.beyondUpper(c.ix.entries[i].key) {
		c.pos = posAfter
		return false, nil
	}
	c.moveTo(i)
	return true, nil
}

// current returns the row under the cursor. Callers hold e.mu.
func (c *cursor) current() (*row, error) {
	if c.pos != posOn {
		return nil, isam.ErrNoCurrentRecord
	}
	r, ok := c.t.rows[c.posBookmark]
	if !ok {
		return nil, isam.ErrRecordDeleted
	}
	return r, nil
}

func (c *cursor) Retrieve(col isam.ColumnID) ([]byte, error) {
	c.s.e.mu.RLock()
	defer c.s.e.mu.RUnlock()
	if err := c.live(); err != nil {
		return nil, err
	}
	if c.t.column(col) == nil {
		return nil, fmt.Errorf("%s column %d: %w", c.t.name, col, isam.ErrColumnNotFound)
	}
	r, err := c.current()
	if err != nil {
		return nil, err
	}
	v := r.values[col]
	if v == nil {
		return nil, nil
	}
	return append([]byte{}, v...), nil
}

func (c *cursor) PrepareUpdate(mode isam.UpdateMode) error {
	c.s.e.mu.RLock()
	defer c.s.e.mu.RUnlock()
	if err := c.live(); err != nil {
		return err
	}
	if c.update != nil {
		return isam.ErrUpdateInProgress
	}
	switch mode {
	case isam.UpdateInsert:
		c.update = &pendingUpdate{mode: mode, values: make(map[isam.ColumnID][]byte)}
	case isam.UpdateReplace:
		r, err := c.current()
		if err != nil {
			return err
		}
		c.update = &pendingUpdate{mode: mode, target: r.bookmark, values: r.clone().values}
	default:
		return fmt.Errorf("update mode %d: %w", mode, isam.ErrUpdateNotPrepared)
	}
	return nil
}

func (c *cursor) SetColumn(col isam.ColumnID, value []byte) error {
	c.s.e.mu.RLock()
	defer c.s.e.mu.RUnlock()
	if err := c.live(); err != nil {
		return err
	}
	if c.update == nil {
		return isam.ErrUpdateNotPrepared
	}
	info := c.t.column(col)
	if info == nil {
		return fmt.Errorf("%s column %d: %w", c.t.name, col, isam.ErrColumnNotFound)
	}
	if info.def.Version() {
		return fmt.Errorf("%s.%s: %w", c.t.name, info.name, isam.ErrVersionColumn)
	}
	if value == nil {
		c.update.values[col] = nil
		return nil
	}
	if err := isam.ValidateValue(info.def, value); err != nil {
		return fmt.Errorf("%s.%s: %w", c.t.name, info.name, err)
	}
	c.update.values[col] = append([]byte{}, value...)
	return nil
}

func (c *cursor) Save() error {
	e := c.s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.live(); err != nil {
		return err
	}
	u := c.update
	if u == nil {
		return isam.ErrUpdateNotPrepared
	}
	if err := e.acquireWrite(c.s); err != nil {
		return err
	}

	var prev *row
	r := &row{values: make(map[isam.ColumnID][]byte, len(c.t.columns))}
	if u.mode == isam.UpdateReplace {
		var ok bool
		if prev, ok = c.t.rows[u.target]; !ok {
			return isam.ErrRecordDeleted
		}
		r.bookmark = prev.bookmark
	} else {
		r.bookmark = c.t.nextBookmark
	}

	for _, col := range c.t.columns {
		v := u.values[col.id]
		if col.def.Version() {
			v = isam.PutLong(1)
			if prev != nil {
				if n, err := isam.Long(prev.values[col.id]); err == nil {
					v = isam.PutLong(n + 1)
				}
			}
		}
		if v == nil && col.def.NotNull() {
			return fmt.Errorf("%s.%s: %w", c.t.name, col.name, isam.ErrNullInvalid)
		}
		if v != nil {
			r.values[col.id] = v
		}
	}
	if err := c.t.checkRow(r); err != nil {
		return err
	}

	t := c.t
	if prev == nil {
		t.nextBookmark++
		t.putRow(r)
		c.s.logUndo(func() { t.removeRow(r.bookmark) })
	} else {
		t.removeRow(prev.bookmark)
		t.putRow(r)
		c.s.logUndo(func() {
			t.removeRow(prev.bookmark)
			t.putRow(prev)
		})
	}
	c.update = nil
	return nil
}

func (c *cursor) CancelUpdate() error {
	if c.closed {
		return isam.ErrClosed
	}
	if c.update == nil {
		return isam.ErrUpdateNotPrepared
	}
	c.cancelUpdate()
	return nil
}

func (c *cursor) cancelUpdate() {
	c.update = nil
}

func (c *cursor) Delete() error {
	e := c.s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := c.live(); err != nil {
		return err
	}
	if c.update != nil {
		return isam.ErrUpdateInProgress
	}
	r, err := c.current()
	if err != nil {
		return err
	}
	if err := e.acquireWrite(c.s); err != nil {
		return err
	}
	t := c.t
	t.removeRow(r.bookmark)
	c.s.logUndo(func() { t.putRow(r) })
	return nil
}

func (c *cursor) Close() error {
	c.s.e.mu.Lock()
	defer c.s.e.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.update = nil
	c.s.forget(c)
	return nil
}
