package mapping

import (
	"reflect"

	"github.com/davecgh/go-spew/spew"

	apperrors "github.com/isamap/isamap/internal/errors"
)

// EntityMapping is the immutable result of a Builder.
type EntityMapping[T any] struct {
	typ         reflect.Type
	table       string
	fields      []FieldDescriptor
	identity    int
	version     int
	primary     IndexDescriptor
	indexes     []IndexDescriptor
	columns     []ColumnSpec
	fingerprint string
}

var _ Schema = (*EntityMapping[struct{}])(nil)

// Table returns the table name, which is the entity type name.
func (m *EntityMapping[T]) Table() string { return m.table }

func (m *EntityMapping[T]) Type() reflect.Type { return m.typ }

// Fields returns the identity, data and version descriptors in declaration
// order followed by one descriptor per index segment.
func (m *EntityMapping[T]) Fields() []FieldDescriptor {
	return append([]FieldDescriptor(nil), m.fields...)
}

// DataFields returns the identity, data and version descriptors.
func (m *EntityMapping[T]) DataFields() []FieldDescriptor {
	out := make([]FieldDescriptor, 0, len(m.fields))
	for _, f := range m.fields {
		if f.DataBearing() {
			out = append(out, f)
		}
	}
	return out
}

func (m *EntityMapping[T]) Identity() FieldDescriptor { return m.fields[m.identity] }

func (m *EntityMapping[T]) Version() (FieldDescriptor, bool) {
	if m.version < 0 {
		return FieldDescriptor{}, false
	}
	return m.fields[m.version], true
}

func (m *EntityMapping[T]) PrimaryIndex() IndexDescriptor { return m.primary.clone() }

// Indexes returns the secondary indexes in declaration order.
func (m *EntityMapping[T]) Indexes() []IndexDescriptor {
	out := make([]IndexDescriptor, len(m.indexes))
	for i, ix := range m.indexes {
		out[i] = ix.clone()
	}
	return out
}

// Index looks up a secondary index by logical name.
func (m *EntityMapping[T]) Index(name string) (IndexDescriptor, bool) {
	for _, ix := range m.indexes {
		if ix.Name == name {
			return ix.clone(), true
		}
	}
	return IndexDescriptor{}, false
}

func (m *EntityMapping[T]) Columns() []ColumnSpec {
	return append([]ColumnSpec(nil), m.columns...)
}

// Field returns the data-bearing descriptor of a Go field.
func (m *EntityMapping[T]) Field(name string) (FieldDescriptor, bool) {
	var segment *FieldDescriptor
	for i, f := range m.fields {
		if f.Field != name {
			continue
		}
		if f.DataBearing() {
			return f, true
		}
		if segment == nil {
			segment = &m.fields[i]
		}
	}
	if segment != nil {
		return *segment, true
	}
	return FieldDescriptor{}, false
}

// FieldFor resolves a selector to its descriptor.
func (m *EntityMapping[T]) FieldFor(sel Selector[T]) (FieldDescriptor, error) {
	mem, err := resolve(sel)
	if err != nil {
		return FieldDescriptor{}, apperrors.NewMappingError("resolve field selector", err)
	}
	f, ok := m.Field(mem.name)
	if !ok {
		return FieldDescriptor{}, apperrors.NewMappingError("field "+mem.name+" is not mapped on "+m.table, nil)
	}
	return f, nil
}

// Fingerprint identifies the physical schema the mapping requires.
func (m *EntityMapping[T]) Fingerprint() string { return m.fingerprint }

// New returns a zero entity.
func (m *EntityMapping[T]) New() *T { return new(T) }

type dumpField struct {
	Field, Column, Semantic, Role, Index string
	Type                                 string
	Flags                                uint8
	MaxLength                            int
	Descending                           bool
}

type dumpIndex struct {
	Physical string
	KeyDef   string
	Flags    uint8
	Density  int
}

type dumpView struct {
	Table       string
	Type        string
	Fingerprint string
	Fields      []dumpField
	Indexes     []dumpIndex
}

var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// Dump renders the mapping for debug logs.
func (m *EntityMapping[T]) Dump() string {
	view := dumpView{Table: m.table, Type: m.typ.String(), Fingerprint: m.fingerprint}
	for _, f := range m.fields {
		view.Fields = append(view.Fields, dumpField{
			Field:      f.Field,
			Column:     f.Column,
			Semantic:   f.Semantic.String(),
			Role:       f.Role.String(),
			Index:      f.Index,
			Type:       f.Def.Type.String(),
			Flags:      uint8(f.Def.Flags),
			MaxLength:  f.Def.MaxLength,
			Descending: f.Descending,
		})
	}
	for _, ix := range append([]IndexDescriptor{m.primary}, m.indexes...) {
		view.Indexes = append(view.Indexes, dumpIndex{
			Physical: ix.PhysicalName(),
			KeyDef:   ix.KeyDefinition(),
			Flags:    uint8(ix.Flags()),
			Density:  ix.Density,
		})
	}
	return dumpConfig.Sdump(view)
}
