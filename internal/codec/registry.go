package codec

import (
	"fmt"
	"reflect"
	"time"

	apperrors "github.com/isamap/isamap/internal/errors"
	"github.com/isamap/isamap/pkg/types"
)

// Registry resolves semantic types to codecs. It is read-only once built.
type Registry struct {
	codecs map[types.SemanticType]*Codec
}

// NewRegistry builds the closed codec set.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[types.SemanticType]*Codec)}
	for _, t := range types.AllSemanticTypes() {
		if c, ok := newCodec(t); ok {
			r.codecs[t] = c
		}
	}
	return r
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Resolve returns the codec for t.
func (r *Registry) Resolve(t types.SemanticType) (*Codec, error) {
	c, ok := r.codecs[t]
	if !ok {
		return nil, apperrors.NewUnsupportedTypeError(fmt.Sprintf("no codec registered for %s", t))
	}
	return c, nil
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	timePtrType = reflect.TypeOf((*time.Time)(nil))
)

// classifiers run in enumeration order; the first match wins.
var classifiers = []struct {
	semantic types.SemanticType
	match    func(reflect.Type) bool
}{
	{types.SemanticFloat32, kindIs(reflect.Float32)},
	{types.SemanticFloat64, kindIs(reflect.Float64)},
	{types.SemanticInt32, kindIs(reflect.Int32)},
	{types.SemanticInt16, kindIs(reflect.Int16)},
	{types.SemanticText, kindIs(reflect.String)},
	{types.SemanticBoolean, kindIs(reflect.Bool)},
	{types.SemanticBinaryBlob, func(t reflect.Type) bool {
		return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
	}},
	{types.SemanticGuid, func(t reflect.Type) bool {
		return t.Kind() == reflect.Array && t.Len() == 16 && t.Elem().Kind() == reflect.Uint8
	}},
	{types.SemanticTimestamp, func(t reflect.Type) bool { return t == timeType }},
	{types.SemanticNullableTimestamp, func(t reflect.Type) bool { return t == timePtrType }},
}

func kindIs(k reflect.Kind) func(reflect.Type) bool {
	return func(t reflect.Type) bool { return t.Kind() == k }
}

// Classify maps a Go type to its semantic type.
func (r *Registry) Classify(t reflect.Type) (types.SemanticType, error) {
	if t == nil {
		return types.SemanticInvalid, apperrors.NewUnsupportedTypeError("nil type")
	}
	for _, c := range classifiers {
		if c.match(t) {
			return c.semantic, nil
		}
	}
	return types.SemanticInvalid, apperrors.NewUnsupportedTypeError(fmt.Sprintf("go type %v has no semantic type", t))
}

// ResolveType classifies t and resolves its codec.
func (r *Registry) ResolveType(t reflect.Type) (*Codec, error) {
	st, err := r.Classify(t)
	if err != nil {
		return nil, err
	}
	return r.Resolve(st)
}
