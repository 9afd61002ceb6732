package mapping

import (
	"fmt"
	"reflect"
)

// Selector picks a field of T by returning its address:
//
//	func(s *Stock) any { return &s.Price }
type Selector[T any] func(*T) any

// Name builds a selector from an exported field name.
func Name[T any](field string) Selector[T] {
	return func(obj *T) any {
		rv := reflect.ValueOf(obj).Elem()
		sf, ok := rv.Type().FieldByName(field)
		if !ok || !sf.IsExported() {
			return nil
		}
		fv := rv
		for _, i := range sf.Index {
			if fv.Kind() == reflect.Pointer {
				return nil
			}
			fv = fv.Field(i)
		}
		return fv.Addr().Interface()
	}
}

// member is a resolved selector: the field name addressable on the owner
// type and the field's Go type.
type member struct {
	name  string
	typ   reflect.Type
	index []int
}

// resolve runs sel against a probe value and finds the field whose address
// and type match the returned pointer. Only fields of the struct itself and
// of embedded (by value) structs are reachable.
func resolve[T any](sel Selector[T]) (m member, err error) {
	if sel == nil {
		return member{}, fmt.Errorf("nil field selector")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("field selector panicked: %v", r)
		}
	}()

	probe := new(T)
	root := reflect.ValueOf(probe).Elem()
	if root.Kind() != reflect.Struct {
		return member{}, fmt.Errorf("%v is not a struct", root.Type())
	}

	got := sel(probe)
	pv := reflect.ValueOf(got)
	if !pv.IsValid() || pv.Kind() != reflect.Pointer || pv.IsNil() {
		return member{}, fmt.Errorf("field selector must return a field pointer, got %T", got)
	}
	target := pv.Pointer()
	elem := pv.Type().Elem()

	index, ok := findField(root, target, elem, nil)
	if !ok {
		return member{}, fmt.Errorf("field selector does not address a field of %v", root.Type())
	}
	sf := root.Type().FieldByIndex(index)
	if !sf.IsExported() {
		return member{}, fmt.Errorf("field %s of %v is not exported", sf.Name, root.Type())
	}
	// The name must lead back to the same field, which rules out shadowed
	// promotions.
	byName, ok := root.Type().FieldByName(sf.Name)
	if !ok || !equalIndex(byName.Index, index) {
		return member{}, fmt.Errorf("field %s of %v is ambiguous or shadowed", sf.Name, root.Type())
	}
	return member{name: sf.Name, typ: sf.Type, index: index}, nil
}

func findField(v reflect.Value, addr uintptr, typ reflect.Type, prefix []int) ([]int, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		fv := v.Field(i)
		path := append(append([]int(nil), prefix...), i)
		if fv.UnsafeAddr() == addr && sf.Type == typ {
			return path, true
		}
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct {
			if found, ok := findField(fv, addr, typ, path); ok {
				return found, true
			}
		}
	}
	return nil, false
}

func equalIndex(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
