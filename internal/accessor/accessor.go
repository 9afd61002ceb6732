// Package accessor compiles and caches per-field get/set functions so the
// hot marshalling path never looks fields up by name.
package accessor

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

var (
	ErrNotStruct       = errors.New("accessor: type is not a struct")
	ErrNoField         = errors.New("accessor: no such field")
	ErrUnexported      = errors.New("accessor: field is not exported")
	ErrEmbeddedPointer = errors.New("accessor: field is reached through an embedded pointer")
	ErrWrongOwner      = errors.New("accessor: object has the wrong type")
	ErrIncompatible    = errors.New("accessor: value cannot be assigned to field")
)

// Field is a compiled accessor for one exported struct field.
type Field struct {
	Owner reflect.Type
	Name  string
	Type  reflect.Type

	index []int
}

// Index returns the field index path from the owner struct.
func (f *Field) Index() []int {
	return append([]int(nil), f.index...)
}

func (f *Field) value(obj any) (reflect.Value, error) {
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Type().Elem() != f.Owner {
		return reflect.Value{}, fmt.Errorf("%w: got %T, want *%v", ErrWrongOwner, obj, f.Owner)
	}
	return rv.Elem().FieldByIndex(f.index), nil
}

// Get returns the field value of obj, which must be a pointer to Owner.
func (f *Field) Get(obj any) (any, error) {
	fv, err := f.value(obj)
	if err != nil {
		return nil, err
	}
	return fv.Interface(), nil
}

// Set assigns v to the field of obj. A nil v stores the zero value; values of
// a different named type with the same kind are converted.
func (f *Field) Set(obj any, v any) error {
	fv, err := f.value(obj)
	if err != nil {
		return err
	}
	if v == nil {
		fv.SetZero()
		return nil
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.Type().AssignableTo(f.Type):
		fv.Set(rv)
	case rv.Kind() == f.Type.Kind() && rv.Type().ConvertibleTo(f.Type):
		fv.Set(rv.Convert(f.Type))
	default:
		return fmt.Errorf("%w: %T into %v.%s (%v)", ErrIncompatible, v, f.Owner, f.Name, f.Type)
	}
	return nil
}

type fieldKey struct {
	owner reflect.Type
	name  string
}

// Cache holds compiled accessors keyed by (type, field name). It is safe for
// concurrent use and compiles each pair exactly once.
type Cache struct {
	fields sync.Map // fieldKey -> *Field
	ctors  sync.Map // reflect.Type -> func() any
	group  singleflight.Group

	size         atomic.Int64
	compilations atomic.Int64
}

func NewCache() *Cache {
	return &Cache{}
}

// Field returns the compiled accessor for name on t. Pointer types are
// dereferenced to their struct.
func (c *Cache) Field(t reflect.Type, name string) (*Field, error) {
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %v", ErrNotStruct, t)
	}
	key := fieldKey{owner: t, name: name}
	if f, ok := c.fields.Load(key); ok {
		return f.(*Field), nil
	}

	v, err, _ := c.group.Do(fmt.Sprintf("%p.%s", t, name), func() (any, error) {
		if f, ok := c.fields.Load(key); ok {
			return f, nil
		}
		f, err := compile(t, name)
		if err != nil {
			return nil, err
		}
		c.compilations.Add(1)
		actual, loaded := c.fields.LoadOrStore(key, f)
		if !loaded {
			c.size.Add(1)
		}
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Field), nil
}

func compile(t reflect.Type, name string) (*Field, error) {
	sf, ok := t.FieldByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %v.%s", ErrNoField, t, name)
	}
	if !sf.IsExported() {
		return nil, fmt.Errorf("%w: %v.%s", ErrUnexported, t, name)
	}
	cur := t
	for _, i := range sf.Index[:len(sf.Index)-1] {
		embedded := cur.Field(i)
		if embedded.Type.Kind() == reflect.Pointer {
			return nil, fmt.Errorf("%w: %v.%s", ErrEmbeddedPointer, t, name)
		}
		if !embedded.IsExported() {
			return nil, fmt.Errorf("%w: %v.%s via %s", ErrUnexported, t, name, embedded.Name)
		}
		cur = embedded.Type
	}
	return &Field{Owner: t, Name: name, Type: sf.Type, index: sf.Index}, nil
}

// Getter returns a function reading name from a *t.
func (c *Cache) Getter(t reflect.Type, name string) (func(obj any) (any, error), error) {
	f, err := c.Field(t, name)
	if err != nil {
		return nil, err
	}
	return f.Get, nil
}

// Setter returns a function writing name on a *t.
func (c *Cache) Setter(t reflect.Type, name string) (func(obj any, v any) error, error) {
	f, err := c.Field(t, name)
	if err != nil {
		return nil, err
	}
	return f.Set, nil
}

// Construct returns a new zero *t from a cached constructor.
func (c *Cache) Construct(t reflect.Type) any {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if ctor, ok := c.ctors.Load(t); ok {
		return ctor.(func() any)()
	}
	ctor, _ := c.ctors.LoadOrStore(t, func() any { return reflect.New(t).Interface() })
	return ctor.(func() any)()
}

// Len returns the number of cached field accessors.
func (c *Cache) Len() int { return int(c.size.Load()) }

// Compilations returns how many accessors have been compiled.
func (c *Cache) Compilations() int { return int(c.compilations.Load()) }
