package mapping

import (
	"fmt"
	"reflect"

	"github.com/isamap/isamap/internal/accessor"
	"github.com/isamap/isamap/internal/codec"
	apperrors "github.com/isamap/isamap/internal/errors"
	"github.com/isamap/isamap/internal/isam"
	"github.com/isamap/isamap/pkg/types"
)

// Builder collects the mapping declaration for T. It is not safe for
// concurrent use.
type Builder[T any] struct {
	s *state
}

// state is the type-independent part of a builder.
type state struct {
	typ      reflect.Type
	registry *codec.Registry
	cache    *accessor.Cache
	err      error

	decls   []decl
	members map[string]Role
	index   map[string]struct{}
	hasID   bool
	hasVer  bool
}

// decl is one declaration in call order.
type decl interface {
	part() *fieldPart
}

// fieldPart is what every declaration shares: the resolved member, its codec
// and accessor, and the column it maps to.
type fieldPart struct {
	s      *state
	member member
	codec  *codec.Codec
	access *accessor.Field
	column string
}

func (p *fieldPart) part() *fieldPart { return p }

// New starts a mapping for T. A nil registry uses codec.Default(); a nil cache
// gets a private one.
func New[T any](registry *codec.Registry, cache *accessor.Cache) *Builder[T] {
	if registry == nil {
		registry = codec.Default()
	}
	if cache == nil {
		cache = accessor.NewCache()
	}
	s := &state{
		typ:      reflect.TypeOf((*T)(nil)).Elem(),
		registry: registry,
		cache:    cache,
		members:  make(map[string]Role),
		index:    make(map[string]struct{}),
	}
	if s.typ.Kind() != reflect.Struct || s.typ.Name() == "" {
		s.fail(apperrors.NewMappingError(fmt.Sprintf("%v is not a named struct type", s.typ), nil))
	}
	return &Builder[T]{s: s}
}

// Err returns the first error recorded by the builder.
func (b *Builder[T]) Err() error { return b.s.err }

func (s *state) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

func (s *state) failf(format string, args ...any) {
	s.fail(apperrors.NewMappingError(fmt.Sprintf(format, args...), nil))
}

// field resolves sel into a part bound to a codec and an accessor. The
// returned part is detached when resolution fails, so calls chained on it
// are harmless.
func field[T any](s *state, sel Selector[T], role Role) (*fieldPart, bool) {
	p := &fieldPart{s: s}
	if s.err != nil {
		return p, false
	}
	m, err := resolve(sel)
	if err != nil {
		s.fail(apperrors.NewMappingError(fmt.Sprintf("%s selector on %v", role, s.typ), err))
		return p, false
	}
	p.member = m
	p.column = m.name

	c, err := s.registry.ResolveType(m.typ)
	if err != nil {
		s.fail(apperrors.NewMappingError(fmt.Sprintf("field %s.%s", s.typ.Name(), m.name), err))
		return p, false
	}
	p.codec = c

	f, err := s.cache.Field(s.typ, m.name)
	if err != nil {
		s.fail(apperrors.NewMappingError(fmt.Sprintf("field %s.%s", s.typ.Name(), m.name), err))
		return p, false
	}
	p.access = f

	if role == RoleIndexSegment {
		return p, true
	}
	if prev, ok := s.members[m.name]; ok {
		s.failf("field %s.%s is already mapped as %s", s.typ.Name(), m.name, prev)
		return p, false
	}
	s.members[m.name] = role
	return p, true
}

func (p *fieldPart) rename(column string) {
	if p.s.err != nil {
		return
	}
	if column == "" {
		p.s.failf("field %s.%s: empty column name", p.s.typ.Name(), p.member.name)
		return
	}
	p.column = column
}

// IdentityPart configures the identity field and the primary index.
type IdentityPart struct {
	fieldPart
	density int
}

// Identity declares the identity field. Its column is NOT NULL and forms the
// single-segment primary index.
func (b *Builder[T]) Identity(sel Selector[T]) *IdentityPart {
	s := b.s
	if s.err == nil && s.hasID {
		s.failf("%s: identity field declared twice", s.typ.Name())
	}
	fp, ok := field(s, sel, RoleIdentity)
	p := &IdentityPart{fieldPart: *fp}
	if ok {
		s.hasID = true
		s.decls = append(s.decls, p)
	}
	return p
}

func (p *IdentityPart) Column(name string) *IdentityPart {
	p.rename(name)
	return p
}

// Density sets the primary index fill density, 1..100.
func (p *IdentityPart) Density(n int) *IdentityPart {
	p.density = checkDensity(p.s, n)
	return p
}

// FieldPart configures a data field.
type FieldPart struct {
	fieldPart
	maxLength int
	notNull   *bool
}

// Field declares a data field.
func (b *Builder[T]) Field(sel Selector[T]) *FieldPart {
	fp, ok := field(b.s, sel, RoleData)
	p := &FieldPart{fieldPart: *fp}
	if ok {
		b.s.decls = append(b.s.decls, p)
	}
	return p
}

func (p *FieldPart) Column(name string) *FieldPart {
	p.rename(name)
	return p
}

// MaxLength bounds a variable length column in bytes.
func (p *FieldPart) MaxLength(n int) *FieldPart {
	if p.s.err != nil {
		return p
	}
	switch {
	case n < 0:
		p.s.failf("field %s.%s: negative max length %d", p.s.typ.Name(), p.member.name, n)
	case p.codec.Column.Type.FixedSize() > 0 || p.codec.Column.Fixed():
		p.s.failf("field %s.%s: max length on fixed size %s column", p.s.typ.Name(), p.member.name, p.codec.Column.Type)
	default:
		p.maxLength = n
	}
	return p
}

func (p *FieldPart) NotNull() *FieldPart {
	v := true
	p.notNull = &v
	return p
}

func (p *FieldPart) Nullable() *FieldPart {
	v := false
	p.notNull = &v
	return p
}

func (p *FieldPart) def() isam.ColumnDef {
	def := p.codec.Column
	if p.maxLength > 0 {
		def.MaxLength = p.maxLength
	}
	if p.notNull != nil {
		if *p.notNull {
			def.Flags |= isam.ColumnNotNull
		} else {
			def.Flags &^= isam.ColumnNotNull
		}
	}
	return def
}

// VersionPart configures the engine-maintained version field.
type VersionPart struct {
	fieldPart
}

// Version declares a read-only int32 field the engine increments on every
// save.
func (b *Builder[T]) Version(sel Selector[T]) *VersionPart {
	s := b.s
	if s.err == nil && s.hasVer {
		s.failf("%s: version field declared twice", s.typ.Name())
	}
	fp, ok := field(s, sel, RoleVersion)
	p := &VersionPart{fieldPart: *fp}
	if ok && p.codec.Type != types.SemanticInt32 {
		s.failf("version field %s.%s must be int32, got %s", s.typ.Name(), p.member.name, p.codec.Type)
		ok = false
	}
	if ok {
		s.hasVer = true
		s.decls = append(s.decls, p)
	}
	return p
}

func (p *VersionPart) Column(name string) *VersionPart {
	p.rename(name)
	return p
}

var versionDef = isam.ColumnDef{Type: isam.ColumnLong, Flags: isam.ColumnVersion}

// IndexPart configures a named secondary index. Column, Ascending and
// Descending apply to the most recently added segment.
type IndexPart[T any] struct {
	s        *state
	name     string
	segments []*segmentPart
	unique   bool
	noNull   bool
	density  int
}

type segmentPart struct {
	fieldPart
	named      bool
	descending bool
}

// IndexOn declares the index name with sel as its first segment.
func (b *Builder[T]) IndexOn(sel Selector[T], name string) *IndexPart[T] {
	s := b.s
	p := &IndexPart[T]{s: s, name: name}
	if s.err != nil {
		return p
	}
	if name == "" {
		s.failf("%s: empty index name", s.typ.Name())
		return p
	}
	if _, dup := s.index[name]; dup {
		s.failf("%s: index %q declared twice", s.typ.Name(), name)
		return p
	}
	seg, ok := field(s, sel, RoleIndexSegment)
	if !ok {
		return p
	}
	p.segments = append(p.segments, &segmentPart{fieldPart: *seg})
	s.index[name] = struct{}{}
	s.decls = append(s.decls, p)
	return p
}

func (p *IndexPart[T]) part() *fieldPart {
	return &p.segments[0].fieldPart
}

func (p *IndexPart[T]) pending() *pendingIndex {
	return &pendingIndex{
		name:     p.name,
		segments: p.segments,
		unique:   p.unique,
		noNull:   p.noNull,
		density:  p.density,
	}
}

func (p *IndexPart[T]) last() *segmentPart {
	if p.s.err != nil || len(p.segments) == 0 {
		return nil
	}
	return p.segments[len(p.segments)-1]
}

// ThenBy appends a key segment.
func (p *IndexPart[T]) ThenBy(sel Selector[T]) *IndexPart[T] {
	if p.last() == nil {
		return p
	}
	seg, ok := field(p.s, sel, RoleIndexSegment)
	if ok {
		p.segments = append(p.segments, &segmentPart{fieldPart: *seg})
	}
	return p
}

// Column names the column the latest segment keys on. By default a segment
// keys on the column its field is mapped to.
func (p *IndexPart[T]) Column(name string) *IndexPart[T] {
	if seg := p.last(); seg != nil {
		seg.rename(name)
		seg.named = true
	}
	return p
}

func (p *IndexPart[T]) Ascending() *IndexPart[T] {
	if seg := p.last(); seg != nil {
		seg.descending = false
	}
	return p
}

func (p *IndexPart[T]) Descending() *IndexPart[T] {
	if seg := p.last(); seg != nil {
		seg.descending = true
	}
	return p
}

func (p *IndexPart[T]) Unique() *IndexPart[T] {
	p.unique = true
	return p
}

// AllowNull(false) rejects rows with a NULL key segment.
func (p *IndexPart[T]) AllowNull(allow bool) *IndexPart[T] {
	p.noNull = !allow
	return p
}

func (p *IndexPart[T]) Density(n int) *IndexPart[T] {
	p.density = checkDensity(p.s, n)
	return p
}

// pendingIndex is an index declaration waiting for Build to resolve its
// segment columns.
type pendingIndex struct {
	name     string
	segments []*segmentPart
	unique   bool
	noNull   bool
	density  int
}

type indexDecl interface {
	decl
	pending() *pendingIndex
}

func checkDensity(s *state, n int) int {
	if s.err != nil {
		return 0
	}
	if n < 1 || n > 100 {
		s.fail(apperrors.NewMappingError(fmt.Sprintf("%s: density %d", s.typ.Name(), n), isam.ErrInvalidDensity))
		return 0
	}
	return n
}

// Build validates the whole declaration and freezes it.
func (b *Builder[T]) Build() (*EntityMapping[T], error) {
	s := b.s
	if s.err != nil {
		return nil, s.err
	}
	if !s.hasID {
		return nil, apperrors.NewMappingError(fmt.Sprintf("%s has no identity field", s.typ.Name()), nil)
	}

	m := &EntityMapping[T]{typ: s.typ, table: s.typ.Name(), identity: -1, version: -1}
	byColumn := make(map[string]FieldDescriptor)
	byMember := make(map[string]FieldDescriptor)
	var pending []*pendingIndex

	for _, d := range s.decls {
		var fd FieldDescriptor
		switch p := d.(type) {
		case *IdentityPart:
			fd = descriptor(&p.fieldPart, RoleIdentity, p.codec.Column)
			fd.Def.Flags |= isam.ColumnNotNull
			m.identity = len(m.fields)
			m.primary = IndexDescriptor{
				Name:         p.column,
				Segments:     []IndexSegment{{Field: p.member.name, Column: p.column}},
				Primary:      true,
				Unique:       true,
				DisallowNull: true,
				Density:      p.density,
			}
		case *FieldPart:
			fd = descriptor(&p.fieldPart, RoleData, p.def())
		case *VersionPart:
			fd = descriptor(&p.fieldPart, RoleVersion, versionDef)
			m.version = len(m.fields)
		case indexDecl:
			pending = append(pending, p.pending())
			continue
		}
		if prev, dup := byColumn[fd.Column]; dup {
			return nil, apperrors.NewMappingError(fmt.Sprintf("%s: column %q mapped by both %s and %s",
				m.table, fd.Column, prev.Field, fd.Field), nil)
		}
		byColumn[fd.Column] = fd
		byMember[fd.Field] = fd
		m.fields = append(m.fields, fd)
		m.columns = append(m.columns, ColumnSpec{Name: fd.Column, Def: fd.Def})
	}

	physical := map[string]string{m.primary.PhysicalName(): m.primary.Name}
	for _, p := range pending {
		ix := IndexDescriptor{
			Name:         p.name,
			Unique:       p.unique,
			DisallowNull: p.noNull,
			Density:      p.density,
		}
		if other, dup := physical[ix.PhysicalName()]; dup {
			return nil, apperrors.NewMappingError(fmt.Sprintf("%s: index %q collides with index %q",
				m.table, ix.Name, other), nil)
		}
		physical[ix.PhysicalName()] = ix.Name

		used := make(map[string]struct{}, len(p.segments))
		for _, seg := range p.segments {
			if !seg.named {
				if mapped, ok := byMember[seg.member.name]; ok {
					seg.column = mapped.Column
				}
			}
			target, ok := byColumn[seg.column]
			if !ok {
				return nil, apperrors.NewMappingError(fmt.Sprintf("%s: index %q segment %s names unmapped column %q",
					m.table, ix.Name, seg.member.name, seg.column), nil)
			}
			if target.Semantic != seg.codec.Type {
				return nil, apperrors.NewMappingError(fmt.Sprintf("%s: index %q segment %s is %s but column %q is %s",
					m.table, ix.Name, seg.member.name, seg.codec.Type, seg.column, target.Semantic), nil)
			}
			if _, dup := used[seg.column]; dup {
				return nil, apperrors.NewMappingError(fmt.Sprintf("%s: index %q uses column %q twice",
					m.table, ix.Name, seg.column), nil)
			}
			used[seg.column] = struct{}{}

			ix.Segments = append(ix.Segments, IndexSegment{Field: seg.member.name, Column: seg.column, Descending: seg.descending})
			fd := descriptor(&seg.fieldPart, RoleIndexSegment, target.Def)
			fd.Index = ix.Name
			fd.Descending = seg.descending
			m.fields = append(m.fields, fd)
		}
		m.indexes = append(m.indexes, ix)
	}

	m.fingerprint = fingerprint(m.table, m.columns, append([]IndexDescriptor{m.primary}, m.indexes...))
	return m, nil
}

func descriptor(p *fieldPart, role Role, def isam.ColumnDef) FieldDescriptor {
	return FieldDescriptor{
		Field:    p.member.name,
		Column:   p.column,
		Semantic: p.codec.Type,
		Role:     role,
		Def:      def,
		codec:    p.codec,
		access:   p.access,
	}
}
