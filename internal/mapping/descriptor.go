package mapping

import (
	"github.com/isamap/isamap/internal/accessor"
	"github.com/isamap/isamap/internal/codec"
	"github.com/isamap/isamap/internal/isam"
	"github.com/isamap/isamap/pkg/types"
)

// Role is the part a field descriptor plays in the mapping.
type Role uint8

const (
	RoleIdentity Role = iota + 1
	RoleData
	RoleIndexSegment
	RoleVersion
)

func (r Role) String() string {
	switch r {
	case RoleIdentity:
		return "identity"
	case RoleData:
		return "data"
	case RoleIndexSegment:
		return "index-segment"
	case RoleVersion:
		return "version"
	default:
		return "unknown"
	}
}

// FieldDescriptor binds one entity field to a column.
type FieldDescriptor struct {
	Field    string
	Column   string
	Semantic types.SemanticType
	Role     Role
	// Def is the physical column definition with overrides applied. Index
	// segment descriptors carry the definition of the column they reference.
	Def isam.ColumnDef

	// Index and Descending are set for index segments only.
	Index      string
	Descending bool

	codec  *codec.Codec
	access *accessor.Field
}

func (d FieldDescriptor) Codec() *codec.Codec { return d.codec }

// DataBearing reports whether the descriptor owns a column the marshaller
// reads.
func (d FieldDescriptor) DataBearing() bool { return d.Role != RoleIndexSegment }

// Get reads the field from obj, a pointer to the mapped type.
func (d FieldDescriptor) Get(obj any) (any, error) { return d.access.Get(obj) }

// Set writes v to the field of obj.
func (d FieldDescriptor) Set(obj any, v any) error { return d.access.Set(obj, v) }

// IndexSegment is one key column of an index.
type IndexSegment struct {
	Field      string
	Column     string
	Descending bool
}

// IndexDescriptor describes the primary index or a named secondary index.
type IndexDescriptor struct {
	// Name is the logical index name; the primary index is named after the
	// identity column.
	Name         string
	Segments     []IndexSegment
	Primary      bool
	Unique       bool
	DisallowNull bool
	Density      int
}

// PhysicalName is the engine-side index name.
func (ix IndexDescriptor) PhysicalName() string {
	return ix.Name + "_index"
}

// KeyDefinition renders the segments in the engine key definition format.
func (ix IndexDescriptor) KeyDefinition() string {
	segs := make([]isam.KeySegment, len(ix.Segments))
	for i, s := range ix.Segments {
		segs[i] = isam.KeySegment{Column: s.Column, Descending: s.Descending}
	}
	return isam.FormatKeyDefinition(segs)
}

func (ix IndexDescriptor) Flags() isam.IndexFlags {
	var f isam.IndexFlags
	if ix.Primary {
		f |= isam.IndexPrimary
	}
	if ix.Unique {
		f |= isam.IndexUnique
	}
	if ix.DisallowNull {
		f |= isam.IndexDisallowNull
	}
	return f
}

func (ix IndexDescriptor) clone() IndexDescriptor {
	ix.Segments = append([]IndexSegment(nil), ix.Segments...)
	return ix
}

// ColumnSpec is a physical column the table must have.
type ColumnSpec struct {
	Name string
	Def  isam.ColumnDef
}

// Schema is the type-independent view of a mapping used for schema
// synchronization.
type Schema interface {
	Table() string
	Columns() []ColumnSpec
	PrimaryIndex() IndexDescriptor
	Indexes() []IndexDescriptor
	Fingerprint() string
}
