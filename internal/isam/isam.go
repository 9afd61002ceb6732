// Package isam defines the narrow capability surface the mapper consumes from
// an indexed-sequential storage engine: sessions with nestable transactions,
// tables opened as cursors, column and index DDL, key construction, seeks,
// sequential movement and record updates.
//
// Physical column values are byte slices. A nil slice is NULL; an empty
// non-nil slice is a present zero-length value. Every fixed-width format in
// values.go is order preserving, so engines compare keys bytewise.
package isam

import (
	"context"
	"errors"
)

// ColumnType is the physical storage type of a column.
type ColumnType uint8

const (
	ColumnBit ColumnType = iota + 1
	ColumnShort
	ColumnLong
	ColumnIEEESingle
	ColumnIEEEDouble
	ColumnDateTime
	ColumnBinary
	ColumnLongBinary
	ColumnLongText
)

var columnTypeNames = map[ColumnType]string{
	ColumnBit:        "Bit",
	ColumnShort:      "Short",
	ColumnLong:       "Long",
	ColumnIEEESingle: "IEEESingle",
	ColumnIEEEDouble: "IEEEDouble",
	ColumnDateTime:   "DateTime",
	ColumnBinary:     "Binary",
	ColumnLongBinary: "LongBinary",
	ColumnLongText:   "LongText",
}

func (t ColumnType) String() string {
	if name, ok := columnTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// FixedSize returns the byte width of fixed-size types, or 0 for variable
// length types.
func (t ColumnType) FixedSize() int {
	switch t {
	case ColumnBit:
		return 1
	case ColumnShort:
		return 2
	case ColumnLong, ColumnIEEESingle:
		return 4
	case ColumnIEEEDouble:
		return 8
	case ColumnDateTime:
		return dateTimeSize
	default:
		return 0
	}
}

// ColumnFlags modify a column definition.
type ColumnFlags uint8

const (
	ColumnNotNull ColumnFlags = 1 << iota
	ColumnFixed
	// ColumnVersion marks an engine-maintained Long counter: 1 on insert,
	// incremented on every replace. Callers cannot set it.
	ColumnVersion
)

// ColumnDef describes a physical column.
type ColumnDef struct {
	Type  ColumnType
	Flags ColumnFlags
	// MaxLength bounds variable length values in bytes and fixes the width of
	// ColumnFixed binary columns. Zero means unbounded.
	MaxLength int
}

func (d ColumnDef) NotNull() bool { return d.Flags&ColumnNotNull != 0 }
func (d ColumnDef) Fixed() bool   { return d.Flags&ColumnFixed != 0 }
func (d ColumnDef) Version() bool { return d.Flags&ColumnVersion != 0 }

// ColumnID identifies a column within one table.
type ColumnID uint32

// ColumnInfo is one entry of a table's column inventory.
type ColumnInfo struct {
	ID   ColumnID
	Name string
	Def  ColumnDef
}

// IndexFlags modify an index definition.
type IndexFlags uint8

const (
	// IndexPrimary implies IndexUnique and IndexDisallowNull.
	IndexPrimary IndexFlags = 1 << iota
	IndexUnique
	IndexDisallowNull
)

func (f IndexFlags) Primary() bool { return f&IndexPrimary != 0 }
func (f IndexFlags) Unique() bool  { return f&(IndexPrimary|IndexUnique) != 0 }
func (f IndexFlags) DisallowNull() bool {
	return f&(IndexPrimary|IndexDisallowNull) != 0
}

// IndexInfo is one entry of a table's index inventory.
type IndexInfo struct {
	Name     string
	KeyDef   string
	Segments []KeySegment
	Flags    IndexFlags
	Density  int
}

// DefaultDensity is the B-tree fill density used when none is configured.
const DefaultDensity = 100

// NormalizeDensity maps 0 to DefaultDensity and rejects values outside 1..100.
func NormalizeDensity(density int) (int, error) {
	if density == 0 {
		return DefaultDensity, nil
	}
	if density < 1 || density > 100 {
		return 0, ErrInvalidDensity
	}
	return density, nil
}

// SeekMode selects how Seek compares the built key with index entries.
type SeekMode uint8

const (
	SeekEQ SeekMode = iota + 1
	SeekGE
)

// KeyGrbit controls key construction. NewKey discards any key under
// construction; zero appends the value as the next segment.
type KeyGrbit uint8

const (
	NewKey KeyGrbit = 1 << iota
)

// UpdateMode selects whether Save creates a record or replaces the current one.
type UpdateMode uint8

const (
	UpdateInsert UpdateMode = iota + 1
	UpdateReplace
)

// Engine opens sessions against one database.
type Engine interface {
	BeginSession(ctx context.Context) (Session, error)
	Close() error
}

// Session is a single-threaded context for transactions and table access.
type Session interface {
	// Begin opens a transaction; calls nest as savepoints.
	Begin() error
	// Commit makes the innermost transaction's work part of its parent.
	Commit() error
	// Rollback undoes the innermost transaction's work.
	Rollback() error
	// InTransaction reports whether a transaction is open.
	InTransaction() bool

	TableNames() ([]string, error)
	// CreateTable creates a table and opens a cursor on it.
	CreateTable(name string, density int) (Cursor, error)
	OpenTable(name string) (Cursor, error)

	Close() error
}

// Cursor is a positioned handle over one table, the equivalent of an open
// table id. A cursor is owned by one goroutine at a time.
type Cursor interface {
	Table() string

	Columns() ([]ColumnInfo, error)
	ColumnID(name string) (ColumnID, error)
	AddColumn(name string, def ColumnDef) (ColumnID, error)

	Indexes() ([]IndexInfo, error)
	CreateIndex(name, keyDef string, flags IndexFlags, density int) error

	// SetCurrentIndex selects the index used for seeks and moves. The empty
	// name selects the primary index, or record order when there is none.
	SetCurrentIndex(name string) error
	MakeKey(value []byte, grbit KeyGrbit) error
	Seek(mode SeekMode) (bool, error)
	// SetUpperLimit constrains MoveNext to entries whose key is less than or
	// equal to the key built with MakeKey. It returns false when the current
	// entry is already beyond the limit.
	SetUpperLimit() (bool, error)
	MoveFirst() (bool, error)
	MoveNext() (bool, error)

	Retrieve(col ColumnID) ([]byte, error)

	PrepareUpdate(mode UpdateMode) error
	SetColumn(col ColumnID, value []byte) error
	Save() error
	CancelUpdate() error
	Delete() error

	Close() error
}

// Engine errors.
var (
	ErrClosed               = errors.New("isam: closed")
	ErrTableNotFound        = errors.New("isam: table not found")
	ErrTableExists          = errors.New("isam: table already exists")
	ErrColumnNotFound       = errors.New("isam: column not found")
	ErrColumnExists         = errors.New("isam: column already exists")
	ErrIndexNotFound        = errors.New("isam: index not found")
	ErrIndexExists          = errors.New("isam: index already exists")
	ErrPrimaryIndexExists   = errors.New("isam: table already has a primary index")
	ErrInvalidName          = errors.New("isam: invalid name")
	ErrInvalidDensity       = errors.New("isam: density must be between 1 and 100")
	ErrInvalidKeyDefinition = errors.New("isam: invalid key definition")
	ErrNoCurrentRecord      = errors.New("isam: no current record")
	ErrRecordDeleted        = errors.New("isam: record deleted")
	ErrKeyDuplicate         = errors.New("isam: duplicate key")
	ErrNullInvalid          = errors.New("isam: null not allowed in column")
	ErrNullKeyDisallowed    = errors.New("isam: null key segment disallowed by index")
	ErrColumnTooLong        = errors.New("isam: value exceeds column max length")
	ErrInvalidColumnValue   = errors.New("isam: invalid value for column type")
	ErrVersionColumn        = errors.New("isam: version columns are engine maintained")
	ErrUpdateNotPrepared    = errors.New("isam: no update prepared")
	ErrUpdateInProgress     = errors.New("isam: update already in progress")
	ErrKeyNotMade           = errors.New("isam: no key has been made")
	ErrKeyTooLong           = errors.New("isam: key has more segments than the index")
	ErrNotInTransaction     = errors.New("isam: not in a transaction")
	ErrWriteConflict        = errors.New("isam: write conflict")
)
