// Package seek positions cursors for exact lookups, full index scans and
// bounded ranges. A Range selects an index and moves the cursor onto the
// first matching record; callers then advance with MoveNext until it reports
// false.
package seek

import (
	"fmt"

	apperrors "github.com/isamap/isamap/internal/errors"
	"github.com/isamap/isamap/internal/isam"
	"github.com/isamap/isamap/internal/mapping"
)

// Range positions a cursor on the first record it covers.
type Range[T any] interface {
	// Position reports whether the cursor landed on a matching record.
	Position(cur isam.Cursor, m *mapping.EntityMapping[T]) (bool, error)
}

type exact[T any] struct {
	index string
	sel   mapping.Selector[T]
	value any
}

// Exact matches the record whose identity equals value on the primary index.
// sel must address the identity field. A miss positions nothing and reports
// false; it is not a record-not-found error.
func Exact[T any](sel mapping.Selector[T], value any) Range[T] {
	return exact[T]{sel: sel, value: value}
}

// ExactOn matches records whose first index segment equals value. sel must
// address the index's first segment. Like Exact, a miss reports false.
func ExactOn[T any](index string, sel mapping.Selector[T], value any) Range[T] {
	return exact[T]{index: index, sel: sel, value: value}
}

func (r exact[T]) Position(cur isam.Cursor, m *mapping.EntityMapping[T]) (bool, error) {
	fd, err := selectIndex(cur, m, r.index, r.sel)
	if err != nil {
		return false, err
	}
	if err := fd.Codec().MakeKey(cur, r.value, true); err != nil {
		return false, err
	}
	found, err := cur.Seek(isam.SeekEQ)
	if err != nil || !found {
		return false, err
	}
	// MoveNext stops after the last equal entry.
	if err := fd.Codec().MakeKey(cur, r.value, true); err != nil {
		return false, err
	}
	return cur.SetUpperLimit()
}

func (r exact[T]) String() string { return fmt.Sprintf("exact(%s=%v)", indexLabel(r.index), r.value) }

type indexScan[T any] struct {
	index string
}

// IndexScan covers every record in the order of the named index. The empty
// name scans the primary index.
func IndexScan[T any](index string) Range[T] {
	return indexScan[T]{index: index}
}

func (r indexScan[T]) Position(cur isam.Cursor, m *mapping.EntityMapping[T]) (bool, error) {
	ix, err := lookupIndex(m, r.index)
	if err != nil {
		return false, err
	}
	if err := cur.SetCurrentIndex(ix.PhysicalName()); err != nil {
		return false, err
	}
	return cur.MoveFirst()
}

func (r indexScan[T]) String() string { return fmt.Sprintf("scan(%s)", indexLabel(r.index)) }

type bounded[T any] struct {
	index  string
	sel    mapping.Selector[T]
	lo, hi any
}

// Bounded covers identities from lo through hi inclusive on the primary
// index.
func Bounded[T any](sel mapping.Selector[T], lo, hi any) Range[T] {
	return bounded[T]{sel: sel, lo: lo, hi: hi}
}

// BoundedOn covers records whose first index segment lies between lo and hi
// inclusive, in index order. On a descending segment lo is the larger value.
func BoundedOn[T any](index string, sel mapping.Selector[T], lo, hi any) Range[T] {
	return bounded[T]{index: index, sel: sel, lo: lo, hi: hi}
}

func (r bounded[T]) Position(cur isam.Cursor, m *mapping.EntityMapping[T]) (bool, error) {
	fd, err := selectIndex(cur, m, r.index, r.sel)
	if err != nil {
		return false, err
	}
	if err := fd.Codec().MakeKey(cur, r.lo, true); err != nil {
		return false, err
	}
	found, err := cur.Seek(isam.SeekGE)
	if err != nil || !found {
		return false, err
	}
	if err := fd.Codec().MakeKey(cur, r.hi, true); err != nil {
		return false, err
	}
	return cur.SetUpperLimit()
}

func (r bounded[T]) String() string {
	return fmt.Sprintf("bounded(%s in [%v, %v])", indexLabel(r.index), r.lo, r.hi)
}

func indexLabel(index string) string {
	if index == "" {
		return "primary"
	}
	return index
}

// lookupIndex resolves a logical index name. The empty name and the identity
// column name both mean the primary index.
func lookupIndex[T any](m *mapping.EntityMapping[T], name string) (mapping.IndexDescriptor, error) {
	pk := m.PrimaryIndex()
	if name == "" || name == pk.Name {
		return pk, nil
	}
	ix, ok := m.Index(name)
	if !ok {
		return mapping.IndexDescriptor{}, apperrors.NewMappingError(
			fmt.Sprintf("%s has no index %q", m.Table(), name), nil)
	}
	return ix, nil
}

// selectIndex makes the named index current and returns the descriptor whose
// codec builds keys for its leading segment.
func selectIndex[T any](cur isam.Cursor, m *mapping.EntityMapping[T], name string, sel mapping.Selector[T]) (mapping.FieldDescriptor, error) {
	ix, err := lookupIndex(m, name)
	if err != nil {
		return mapping.FieldDescriptor{}, err
	}
	fd, err := m.FieldFor(sel)
	if err != nil {
		return mapping.FieldDescriptor{}, err
	}
	if lead := ix.Segments[0].Field; fd.Field != lead {
		return mapping.FieldDescriptor{}, apperrors.NewMappingError(
			fmt.Sprintf("%s: field %s is not the leading segment of %s (%s)", m.Table(), fd.Field, ix.PhysicalName(), lead), nil)
	}
	if err := cur.SetCurrentIndex(ix.PhysicalName()); err != nil {
		return mapping.FieldDescriptor{}, err
	}
	return fd, nil
}
