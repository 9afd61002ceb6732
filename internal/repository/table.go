package repository

import (
	"context"
	"fmt"
	"iter"

	apperrors "github.com/isamap/isamap/internal/errors"
	"github.com/isamap/isamap/internal/isam"
	"github.com/isamap/isamap/internal/mapping"
	"github.com/isamap/isamap/internal/marshal"
	"github.com/isamap/isamap/internal/seek"
)

// Table runs operations for one registered entity type. It is safe for
// concurrent use; every call works on its own session and cursor.
type Table[T any] struct {
	r *Repository
	m *mapping.EntityMapping[T]
	x *marshal.Marshaller[T]
}

func newTable[T any](r *Repository, m *mapping.EntityMapping[T]) *Table[T] {
	return &Table[T]{r: r, m: m, x: marshal.New(m)}
}

func (t *Table[T]) Mapping() *mapping.EntityMapping[T] { return t.m }

// write runs fn against an open cursor inside a retried transaction.
func (t *Table[T]) write(ctx context.Context, fn func(cur isam.Cursor) error) error {
	return t.r.ExecuteInTransaction(ctx, func(sess isam.Session) error {
		cur, err := sess.OpenTable(t.m.Table())
		if err != nil {
			return err
		}
		defer cur.Close()
		return fn(cur)
	})
}

// read runs fn against an open cursor without a transaction.
func (t *Table[T]) read(ctx context.Context, fn func(cur isam.Cursor) error) error {
	sess, err := t.r.session(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	cur, err := sess.OpenTable(t.m.Table())
	if err != nil {
		return err
	}
	defer cur.Close()
	return fn(cur)
}

// Add inserts e.
func (t *Table[T]) Add(ctx context.Context, e *T) error {
	return t.write(ctx, func(cur isam.Cursor) error {
		return t.x.Insert(cur, e)
	})
}

// Update replaces the stored record with e's identity.
func (t *Table[T]) Update(ctx context.Context, e *T) error {
	return t.write(ctx, func(cur isam.Cursor) error {
		id, err := t.x.Identity(e)
		if err != nil {
			return err
		}
		found, err := t.x.Locate(cur, id)
		if err != nil {
			return err
		}
		if !found {
			return apperrors.NewRecordNotFound(fmt.Sprintf("%s %v", t.m.Table(), id))
		}
		return t.x.Update(cur, e)
	})
}

// Delete removes the record with e's identity.
func (t *Table[T]) Delete(ctx context.Context, e *T) error {
	return t.write(ctx, func(cur isam.Cursor) error {
		return t.x.Delete(cur, e)
	})
}

// Get reads the record whose identity is id.
func (t *Table[T]) Get(ctx context.Context, id any) (*T, error) {
	var out *T
	err := t.read(ctx, func(cur isam.Cursor) error {
		found, err := t.x.Locate(cur, id)
		if err != nil {
			return err
		}
		if !found {
			return apperrors.NewRecordNotFound(fmt.Sprintf("%s %v", t.m.Table(), id))
		}
		out = t.m.New()
		return t.x.Read(cur, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadFirst returns the record with the lowest identity, or nil when the
// table is empty.
func (t *Table[T]) ReadFirst(ctx context.Context) (*T, error) {
	var out *T
	err := t.read(ctx, func(cur isam.Cursor) error {
		found, err := seek.IndexScan[T]("").Position(cur, t.m)
		if err != nil || !found {
			return err
		}
		out = t.m.New()
		return t.x.Read(cur, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadAll visits records in identity order until visitor returns false. The
// scan is never retried, so visitor sees each record at most once.
func (t *Table[T]) ReadAll(ctx context.Context, visitor func(*T) bool) error {
	return t.read(ctx, func(cur isam.Cursor) error {
		ok, err := seek.IndexScan[T]("").Position(cur, t.m)
		for ; ok && err == nil; ok, err = cur.MoveNext() {
			e := t.m.New()
			if err := t.x.Read(cur, e); err != nil {
				return err
			}
			if !visitor(e) {
				return nil
			}
		}
		return err
	})
}

// Iterate yields every record in identity order.
func (t *Table[T]) Iterate(ctx context.Context) iter.Seq2[*T, error] {
	return t.IterateOver(ctx, seek.IndexScan[T](""))
}

// IterateOver yields the records rng covers. Each iteration opens its own
// session and cursor and closes them when the loop ends, including on break.
// After an error is yielded the sequence stops.
func (t *Table[T]) IterateOver(ctx context.Context, rng seek.Range[T]) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		sess, err := t.r.session(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		defer sess.Close()
		cur, err := sess.OpenTable(t.m.Table())
		if err != nil {
			yield(nil, err)
			return
		}
		defer cur.Close()

		ok, err := rng.Position(cur, t.m)
		for ; ok && err == nil; ok, err = cur.MoveNext() {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			e := t.m.New()
			if err := t.x.Read(cur, e); err != nil {
				yield(nil, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

// Count returns the number of records.
func (t *Table[T]) Count(ctx context.Context) (int, error) {
	n := 0
	err := t.read(ctx, func(cur isam.Cursor) error {
		ok, err := seek.IndexScan[T]("").Position(cur, t.m)
		for ; ok && err == nil; ok, err = cur.MoveNext() {
			n++
		}
		return err
	})
	return n, err
}
