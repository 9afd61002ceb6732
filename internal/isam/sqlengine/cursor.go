package sqlengine

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/isamap/isamap/internal/isam"
)

type position uint8

const (
	posBefore position = iota
	posOn
	posAfter
)

type pendingUpdate struct {
	mode     isam.UpdateMode
	bookmark int64
	values   map[isam.ColumnID][]byte
}

type cursor struct {
	s     *session
	table string

	columns []isam.ColumnInfo
	indexes []isam.IndexInfo
	stale   bool

	// ix is the current index; nil walks the table in bookmark order.
	ix *isam.IndexInfo

	pos         position
	posKey      [][]byte
	posBookmark int64
	row         map[isam.ColumnID][]byte
	rowWrites   uint64

	key      [][]byte
	keyMade  bool
	upper    [][]byte
	hasUpper bool

	update *pendingUpdate
	closed bool
}

var _ isam.Cursor = (*cursor)(nil)

func (c *cursor) check() error {
	if c.closed {
		return isam.ErrClosed
	}
	if err := c.s.check(); err != nil {
		return err
	}
	if c.stale {
		if err := c.load(); err != nil {
			return err
		}
	}
	return nil
}

// invalidate drops cached metadata and the pending update after a rollback.
func (c *cursor) invalidate() {
	c.stale = true
	c.update = nil
}

// load reads the table's column and index inventory.
func (c *cursor) load() error {
	exists, err := c.s.tableExists(c.table)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s: %w", c.table, isam.ErrTableNotFound)
	}

	rows, err := c.s.conn.QueryContext(c.s.ctx,
		"SELECT column_id, name, coltyp, flags, max_length FROM isam_columns WHERE table_name = ? ORDER BY column_id", c.table)
	if err != nil {
		return mapError(err)
	}
	var columns []isam.ColumnInfo
	for rows.Next() {
		var info isam.ColumnInfo
		if err := rows.Scan(&info.ID, &info.Name, &info.Def.Type, &info.Def.Flags, &info.Def.MaxLength); err != nil {
			rows.Close()
			return err
		}
		columns = append(columns, info)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return mapError(err)
	}

	rows, err = c.s.conn.QueryContext(c.s.ctx,
		"SELECT name, key_def, flags, density FROM isam_indexes WHERE table_name = ? ORDER BY rowid", c.table)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()
	var indexes []isam.IndexInfo
	for rows.Next() {
		var info isam.IndexInfo
		if err := rows.Scan(&info.Name, &info.KeyDef, &info.Flags, &info.Density); err != nil {
			return err
		}
		if info.Segments, err = isam.ParseKeyDefinition(info.KeyDef); err != nil {
			return err
		}
		indexes = append(indexes, info)
	}
	if err := rows.Err(); err != nil {
		return mapError(err)
	}

	c.columns = columns
	c.indexes = indexes
	if c.stale {
		c.stale = false
		name := ""
		if c.ix != nil {
			name = c.ix.Name
		}
		c.useIndex(c.index(name))
	}
	return nil
}

func (c *cursor) column(id isam.ColumnID) (isam.ColumnInfo, bool) {
	for _, col := range c.columns {
		if col.ID == id {
			return col, true
		}
	}
	return isam.ColumnInfo{}, false
}

func (c *cursor) index(name string) *isam.IndexInfo {
	for i := range c.indexes {
		if c.indexes[i].Name == name {
			return &c.indexes[i]
		}
	}
	return nil
}

func (c *cursor) primary() *isam.IndexInfo {
	for i := range c.indexes {
		if c.indexes[i].Flags.Primary() {
			return &c.indexes[i]
		}
	}
	return nil
}

func (c *cursor) segments() []isam.KeySegment {
	if c.ix == nil {
		return nil
	}
	return c.ix.Segments
}

func (c *cursor) Table() string { return c.table }

func (c *cursor) Columns() ([]isam.ColumnInfo, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return append([]isam.ColumnInfo(nil), c.columns...), nil
}

func (c *cursor) ColumnID(name string) (isam.ColumnID, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	for _, col := range c.columns {
		if col.Name == name {
			return col.ID, nil
		}
	}
	return 0, fmt.Errorf("%s.%s: %w", c.table, name, isam.ErrColumnNotFound)
}

func (c *cursor) AddColumn(name string, def isam.ColumnDef) (isam.ColumnID, error) {
	if err := c.check(); err != nil {
		return 0, err
	}
	if err := validName(name); err != nil {
		return 0, err
	}
	if def.Type < isam.ColumnBit || def.Type > isam.ColumnLongText {
		return 0, fmt.Errorf("column %s type %d: %w", name, def.Type, isam.ErrInvalidColumnValue)
	}
	if def.Version() && def.Type != isam.ColumnLong {
		return 0, fmt.Errorf("column %s: version columns must be Long: %w", name, isam.ErrInvalidColumnValue)
	}
	for _, col := range c.columns {
		if col.Name == name {
			return 0, fmt.Errorf("%s.%s: %w", c.table, name, isam.ErrColumnExists)
		}
	}

	var id int64
	err := c.s.atomically(func() error {
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s BLOB", quote(c.table), quote(name))
		if _, err := c.s.exec(ddl); err != nil {
			return err
		}
		res, err := c.s.exec(
			"INSERT INTO isam_columns (table_name, name, coltyp, flags, max_length) VALUES (?, ?, ?, ?, ?)",
			c.table, name, int(def.Type), int(def.Flags), def.MaxLength)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	info := isam.ColumnInfo{ID: isam.ColumnID(id), Name: name, Def: def}
	c.columns = append(c.columns, info)
	return info.ID, nil
}

func (c *cursor) Indexes() ([]isam.IndexInfo, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	out := make([]isam.IndexInfo, len(c.indexes))
	for i, info := range c.indexes {
		info.Segments = append([]isam.KeySegment(nil), info.Segments...)
		out[i] = info
	}
	return out, nil
}

func (c *cursor) CreateIndex(name, keyDef string, flags isam.IndexFlags, density int) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := validName(name); err != nil {
		return err
	}
	segments, err := isam.ParseKeyDefinition(keyDef)
	if err != nil {
		return err
	}
	if density, err = isam.NormalizeDensity(density); err != nil {
		return err
	}
	if c.index(name) != nil {
		return fmt.Errorf("%s.%s: %w", c.table, name, isam.ErrIndexExists)
	}
	if flags.Primary() && c.primary() != nil {
		return fmt.Errorf("%s.%s: %w", c.table, name, isam.ErrPrimaryIndexExists)
	}

	var cols, nullChecks []string
	for _, seg := range segments {
		if _, err := c.ColumnID(seg.Column); err != nil {
			return fmt.Errorf("index %s segment %s: %w", name, seg.Column, isam.ErrColumnNotFound)
		}
		dir := " ASC"
		if seg.Descending {
			dir = " DESC"
		}
		cols = append(cols, quote(seg.Column)+dir)
		nullChecks = append(nullChecks, quote(seg.Column)+" IS NULL")
	}

	err = c.s.atomically(func() error {
		if flags.DisallowNull() {
			var n int
			q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", quote(c.table), strings.Join(nullChecks, " OR "))
			if err := c.s.conn.QueryRowContext(c.s.ctx, q).Scan(&n); err != nil {
				return mapError(err)
			}
			if n > 0 {
				return fmt.Errorf("index %s: %w", name, isam.ErrNullKeyDisallowed)
			}
		}
		unique := ""
		if flags.Unique() {
			unique = "UNIQUE "
		}
		ddl := fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
			unique, physicalIndexName(c.table, name), quote(c.table), strings.Join(cols, ", "))
		if _, err := c.s.exec(ddl); err != nil {
			return err
		}
		_, err := c.s.exec(
			"INSERT INTO isam_indexes (table_name, name, key_def, flags, density) VALUES (?, ?, ?, ?, ?)",
			c.table, name, isam.FormatKeyDefinition(segments), int(flags), density)
		return err
	})
	if err != nil {
		return err
	}

	current := ""
	if c.ix != nil {
		current = c.ix.Name
	}
	c.indexes = append(c.indexes, isam.IndexInfo{
		Name:     name,
		KeyDef:   isam.FormatKeyDefinition(segments),
		Segments: segments,
		Flags:    flags,
		Density:  density,
	})
	// Appending may move the slice; re-resolve the current index.
	if current != "" {
		c.ix = c.index(current)
	}
	return nil
}

func (c *cursor) useIndex(ix *isam.IndexInfo) {
	c.ix = ix
	c.pos = posBefore
	c.posKey = nil
	c.row = nil
	c.key = nil
	c.keyMade = false
	c.upper = nil
	c.hasUpper = false
}

func (c *cursor) SetCurrentIndex(name string) error {
	if err := c.check(); err != nil {
		return err
	}
	if name == "" {
		c.useIndex(c.primary())
		return nil
	}
	ix := c.index(name)
	if ix == nil {
		return fmt.Errorf("%s.%s: %w", c.table, name, isam.ErrIndexNotFound)
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
	if len(c.key) >= len(c.segments()) {
		return isam.ErrKeyTooLong
	}
	var v []byte
	if value != nil {
		v = append([]byte{}, value...)
	}
	c.key = append(c.key, v)
	return nil
}

func (c *cursor) takeKey() ([][]byte, error) {
	if !c.keyMade {
		return nil, isam.ErrKeyNotMade
	}
	key := c.key
	c.key = nil
	c.keyMade = false
	return key, nil
}

// selectList returns the bookmark followed by every column.
func (c *cursor) selectList() string {
	parts := make([]string, 0, len(c.columns)+1)
	parts = append(parts, bookmarkColumn)
	for _, col := range c.columns {
		parts = append(parts, quote(col.Name))
	}
	return strings.Join(parts, ", ")
}

// fetch positions the cursor on the first row matching where in index
// order, or past the end when there is none.
func (c *cursor) fetch(where *condition) (bool, error) {
	q := fmt.Sprintf("SELECT %s FROM %s", c.selectList(), quote(c.table))
	var args []any
	if where != nil {
		q += " WHERE " + where.sb.String()
		args = where.args
	}
	q += orderBy(c.segments()) + " LIMIT 1"

	var bookmark int64
	values := make([][]byte, len(c.columns))
	dest := make([]any, 0, len(values)+1)
	dest = append(dest, &bookmark)
	for i := range values {
		dest = append(dest, &values[i])
	}
	err := c.s.conn.QueryRowContext(c.s.ctx, q, args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		c.pos = posAfter
		c.row = nil
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	c.setRow(bookmark, values)
	return true, nil
}

func (c *cursor) setRow(bookmark int64, values [][]byte) {
	c.row = make(map[isam.ColumnID][]byte, len(values))
	for i, col := range c.columns {
		c.row[col.ID] = values[i]
	}
	c.rowWrites = c.s.writes
	c.pos = posOn
	c.posBookmark = bookmark
	segs := c.segments()
	c.posKey = make([][]byte, len(segs))
	for i, seg := range segs {
		for _, col := range c.columns {
			if col.Name == seg.Column {
				c.posKey[i] = c.row[col.ID]
				break
			}
		}
	}
}

func (c *cursor) Seek(mode isam.SeekMode) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	key, err := c.takeKey()
	if err != nil {
		return false, err
	}
	c.upper = nil
	c.hasUpper = false

	where := &condition{}
	if mode == isam.SeekEQ {
		where.prefixEqual(c.segments(), key)
	} else {
		where.lexical(c.segments(), key, true, nil)
	}
	return c.fetch(where)
}

func (c *cursor) SetUpperLimit() (bool, error) {
	if err := c.check(); err != nil {
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
	return c.hasUpper && isam.ComparePrefix(c.segments(), c.upper, key) < 0
}

func (c *cursor) MoveFirst() (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	c.upper = nil
	c.hasUpper = false
	return c.fetch(nil)
}

func (c *cursor) MoveNext() (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	switch c.pos {
	case posBefore:
		return c.fetch(nil)
	case posAfter:
		return false, nil
	}

	where := &condition{}
	bookmark := c.posBookmark
	where.lexical(c.segments(), c.posKey, false, func() {
		where.add(bookmarkColumn+" > ?", bookmark)
	})
	ok, err := c.fetch(where)
	if err != nil || !ok {
		return ok, err
	}
	if c.beyondUpper(c.posKey) {
		c.pos = posAfter
		c.row = nil
		return false, nil
	}
	return true, nil
}

// current returns the row under the cursor, re-reading it when this
// session has written since it was fetched.
func (c *cursor) current() (map[isam.ColumnID][]byte, error) {
	if c.pos != posOn {
		return nil, isam.ErrNoCurrentRecord
	}
	if c.row != nil && c.rowWrites == c.s.writes {
		return c.row, nil
	}

	values := make([][]byte, len(c.columns))
	dest := make([]any, 0, len(values)+1)
	var bookmark int64
	dest = append(dest, &bookmark)
	for i := range values {
		dest = append(dest, &values[i])
	}
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", c.selectList(), quote(c.table), bookmarkColumn)
	err := c.s.conn.QueryRowContext(c.s.ctx, q, c.posBookmark).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, isam.ErrRecordDeleted
	}
	if err != nil {
		return nil, mapError(err)
	}
	// Refresh values without moving the remembered index position.
	key := c.posKey
	c.setRow(bookmark, values)
	c.posKey = key
	return c.row, nil
}

func (c *cursor) Retrieve(col isam.ColumnID) ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if _, ok := c.column(col); !ok {
		return nil, fmt.Errorf("%s column %d: %w", c.table, col, isam.ErrColumnNotFound)
	}
	row, err := c.current()
	if err != nil {
		return nil, err
	}
	v := row[col]
	if v == nil {
		return nil, nil
	}
	return append([]byte{}, v...), nil
}

func (c *cursor) PrepareUpdate(mode isam.UpdateMode) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.update != nil {
		return isam.ErrUpdateInProgress
	}
	switch mode {
	case isam.UpdateInsert:
		c.update = &pendingUpdate{mode: mode, values: make(map[isam.ColumnID][]byte)}
	case isam.UpdateReplace:
		row, err := c.current()
		if err != nil {
			return err
		}
		values := make(map[isam.ColumnID][]byte, len(row))
		for id, v := range row {
			values[id] = v
		}
		c.update = &pendingUpdate{mode: mode, bookmark: c.posBookmark, values: values}
	default:
		return fmt.Errorf("update mode %d: %w", mode, isam.ErrUpdateNotPrepared)
	}
	return nil
}

func (c *cursor) SetColumn(col isam.ColumnID, value []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	if c.update == nil {
		return isam.ErrUpdateNotPrepared
	}
	info, ok := c.column(col)
	if !ok {
		return fmt.Errorf("%s column %d: %w", c.table, col, isam.ErrColumnNotFound)
	}
	if info.Def.Version() {
		return fmt.Errorf("%s.%s: %w", c.table, info.Name, isam.ErrVersionColumn)
	}
	if value == nil {
		c.update.values[col] = nil
		return nil
	}
	if err := isam.ValidateValue(info.Def, value); err != nil {
		return fmt.Errorf("%s.%s: %w", c.table, info.Name, err)
	}
	c.update.values[col] = append([]byte{}, value...)
	return nil
}

func (c *cursor) Save() error {
	if err := c.check(); err != nil {
		return err
	}
	u := c.update
	if u == nil {
		return isam.ErrUpdateNotPrepared
	}

	names := make([]string, 0, len(c.columns))
	args := make([]any, 0, len(c.columns)+1)
	for _, col := range c.columns {
		v := u.values[col.ID]
		if col.Def.Version() {
			v = isam.PutLong(1)
			if u.mode == isam.UpdateReplace {
				if n, err := isam.Long(u.values[col.ID]); err == nil {
					v = isam.PutLong(n + 1)
				}
			}
		}
		if v == nil && col.Def.NotNull() {
			return fmt.Errorf("%s.%s: %w", c.table, col.Name, isam.ErrNullInvalid)
		}
		names = append(names, quote(col.Name))
		args = append(args, arg(v))
	}
	for _, ix := range c.indexes {
		if !ix.Flags.DisallowNull() {
			continue
		}
		for _, seg := range ix.Segments {
			id, _ := c.ColumnID(seg.Column)
			if u.values[id] == nil {
				return fmt.Errorf("index %s: %w", ix.Name, isam.ErrNullKeyDisallowed)
			}
		}
	}

	var (
		res sql.Result
		err error
	)
	switch {
	case u.mode == isam.UpdateReplace && len(names) == 0:
		// Nothing to write.
	case u.mode == isam.UpdateReplace:
		sets := make([]string, len(names))
		for i, n := range names {
			sets[i] = n + " = ?"
		}
		args = append(args, u.bookmark)
		res, err = c.s.exec(fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
			quote(c.table), strings.Join(sets, ", "), bookmarkColumn), args...)
	case len(names) == 0:
		res, err = c.s.exec(fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", quote(c.table)))
	default:
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
		res, err = c.s.exec(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quote(c.table), strings.Join(names, ", "), marks), args...)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", c.table, err)
	}
	if u.mode == isam.UpdateReplace && len(names) > 0 {
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return isam.ErrRecordDeleted
		}
	}
	c.s.writes++
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
	c.update = nil
	return nil
}

func (c *cursor) Delete() error {
	if err := c.check(); err != nil {
		return err
	}
	if c.update != nil {
		return isam.ErrUpdateInProgress
	}
	if c.pos != posOn {
		return isam.ErrNoCurrentRecord
	}
	res, err := c.s.exec(fmt.Sprintf("DELETE FROM %s WHERE %s = ?", quote(c.table), bookmarkColumn), c.posBookmark)
	if err != nil {
		return fmt.Errorf("%s: %w", c.table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return isam.ErrRecordDeleted
	}
	c.s.writes++
	return nil
}

func (c *cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.update = nil
	c.s.forget(c)
	return nil
}
