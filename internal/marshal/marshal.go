// Package marshal converts between entities and the record under a cursor.
// It never begins or commits transactions; callers own both the transaction
// and the cursor position.
package marshal

import (
	"errors"
	"fmt"

	apperrors "github.com/isamap/isamap/internal/errors"
	"github.com/isamap/isamap/internal/isam"
	"github.com/isamap/isamap/internal/mapping"
)

var ErrNilEntity = errors.New("marshal: nil entity")

// Marshaller moves T values in and out of records using one entity mapping.
type Marshaller[T any] struct {
	m        *mapping.EntityMapping[T]
	fields   []mapping.FieldDescriptor
	identity mapping.FieldDescriptor
	primary  string
}

func New[T any](m *mapping.EntityMapping[T]) *Marshaller[T] {
	return &Marshaller[T]{
		m:        m,
		fields:   m.DataFields(),
		identity: m.Identity(),
		primary:  m.PrimaryIndex().PhysicalName(),
	}
}

func (x *Marshaller[T]) Mapping() *mapping.EntityMapping[T] { return x.m }

// Insert writes e as a new record.
func (x *Marshaller[T]) Insert(cur isam.Cursor, e *T) error {
	if err := x.save(cur, e, isam.UpdateInsert); err != nil {
		return fmt.Errorf("marshal: insert %s: %w", x.m.Table(), err)
	}
	return nil
}

// Update replaces the record the cursor is positioned on with e.
func (x *Marshaller[T]) Update(cur isam.Cursor, e *T) error {
	if err := x.save(cur, e, isam.UpdateReplace); err != nil {
		return fmt.Errorf("marshal: update %s: %w", x.m.Table(), err)
	}
	return nil
}

func (x *Marshaller[T]) save(cur isam.Cursor, e *T, mode isam.UpdateMode) (err error) {
	if e == nil {
		return ErrNilEntity
	}
	ids, err := x.columnIDs(cur)
	if err != nil {
		return err
	}
	if err := cur.PrepareUpdate(mode); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = cur.CancelUpdate()
		}
	}()

	for i, fd := range x.fields {
		if fd.Role == mapping.RoleVersion {
			continue
		}
		v, err := fd.Get(e)
		if err != nil {
			return err
		}
		b, err := fd.Codec().Encode(v)
		if err != nil {
			return fmt.Errorf("field %s: %w", fd.Field, err)
		}
		if err := cur.SetColumn(ids[i], b); err != nil {
			return fmt.Errorf("column %s: %w", fd.Column, err)
		}
	}
	return cur.Save()
}

// Read decodes the current record into target without moving the cursor.
func (x *Marshaller[T]) Read(cur isam.Cursor, target *T) error {
	if target == nil {
		return ErrNilEntity
	}
	ids, err := x.columnIDs(cur)
	if err != nil {
		return fmt.Errorf("marshal: read %s: %w", x.m.Table(), err)
	}
	for i, fd := range x.fields {
		b, err := cur.Retrieve(ids[i])
		if err != nil {
			return fmt.Errorf("marshal: read %s.%s: %w", x.m.Table(), fd.Column, err)
		}
		v, err := fd.Codec().Decode(b)
		if err != nil {
			return fmt.Errorf("marshal: read %s.%s: %w", x.m.Table(), fd.Column, err)
		}
		if err := fd.Set(target, v); err != nil {
			return fmt.Errorf("marshal: read %s.%s: %w", x.m.Table(), fd.Column, err)
		}
	}
	return nil
}

// Locate selects the primary index and seeks the record whose identity is id.
func (x *Marshaller[T]) Locate(cur isam.Cursor, id any) (bool, error) {
	if err := cur.SetCurrentIndex(x.primary); err != nil {
		return false, err
	}
	if err := x.identity.Codec().MakeKey(cur, id, true); err != nil {
		return false, err
	}
	return cur.Seek(isam.SeekEQ)
}

// Delete removes the record with e's identity. It fails with a record not
// found error when there is none.
func (x *Marshaller[T]) Delete(cur isam.Cursor, e *T) error {
	if e == nil {
		return ErrNilEntity
	}
	id, err := x.identity.Get(e)
	if err != nil {
		return fmt.Errorf("marshal: delete %s: %w", x.m.Table(), err)
	}
	found, err := x.Locate(cur, id)
	if err != nil {
		return fmt.Errorf("marshal: delete %s: %w", x.m.Table(), err)
	}
	if !found {
		return apperrors.NewRecordNotFound(fmt.Sprintf("%s %v", x.m.Table(), id))
	}
	if err := cur.Delete(); err != nil {
		return fmt.Errorf("marshal: delete %s: %w", x.m.Table(), err)
	}
	return nil
}

// Identity returns e's identity value.
func (x *Marshaller[T]) Identity(e *T) (any, error) {
	if e == nil {
		return nil, ErrNilEntity
	}
	return x.identity.Get(e)
}

func (x *Marshaller[T]) columnIDs(cur isam.Cursor) ([]isam.ColumnID, error) {
	ids := make([]isam.ColumnID, len(x.fields))
	for i, fd := range x.fields {
		id, err := cur.ColumnID(fd.Column)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", fd.Column, err)
		}
		ids[i] = id
	}
	return ids, nil
}
