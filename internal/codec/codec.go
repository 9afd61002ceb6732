// Package codec binds each semantic type to its physical column descriptor
// and the functions that convert Go values to and from physical values.
package codec

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/isamap/isamap/internal/errors"
	"github.com/isamap/isamap/internal/isam"
	"github.com/isamap/isamap/pkg/types"
)

// Codec is the immutable bundle for one semantic type. Canonical Go values
// are float32, float64, int32, int16, string, bool, uuid.UUID, time.Time and
// *time.Time; Encode also accepts named types convertible to them.
type Codec struct {
	Type   types.SemanticType
	Column isam.ColumnDef

	goType reflect.Type
	encode func(v any) ([]byte, error)
	decode func(b []byte) (any, error)
}

// GoType returns the canonical Go type Decode produces.
func (c *Codec) GoType() reflect.Type { return c.goType }

// Encode converts a Go value to its physical form. A nil result is NULL.
func (c *Codec) Encode(v any) ([]byte, error) {
	b, err := c.encode(v)
	if err != nil {
		return nil, apperrors.NewCodecError(apperrors.CodeEncodeFailed,
			fmt.Sprintf("encode %s", c.Type), err)
	}
	return b, nil
}

// Decode converts a physical value to the canonical Go value. NULL decodes
// to the zero value, or a nil pointer for nullable timestamps.
func (c *Codec) Decode(b []byte) (any, error) {
	v, err := c.decode(b)
	if err != nil {
		return nil, apperrors.NewCodecError(apperrors.CodeDecodeFailed,
			fmt.Sprintf("decode %s", c.Type), err)
	}
	return v, nil
}

// MakeKey encodes v and appends it to the cursor's search key, starting a
// new key when newKey is set.
func (c *Codec) MakeKey(cur isam.Cursor, v any, newKey bool) error {
	b, err := c.Encode(v)
	if err != nil {
		return err
	}
	var grbit isam.KeyGrbit
	if newKey {
		grbit = isam.NewKey
	}
	return cur.MakeKey(b, grbit)
}

// canonical converts v to V, accepting named types with the same underlying
// kind.
func canonical[V any](v any) (V, error) {
	if out, ok := v.(V); ok {
		return out, nil
	}
	var zero V
	target := reflect.TypeOf(zero)
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != target.Kind() || !rv.Type().ConvertibleTo(target) {
		return zero, fmt.Errorf("got %T, want %v", v, target)
	}
	return rv.Convert(target).Interface().(V), nil
}

func fixed[V any](enc func(V) []byte, dec func([]byte) (V, error)) (func(any) ([]byte, error), func([]byte) (any, error)) {
	encode := func(v any) ([]byte, error) {
		c, err := canonical[V](v)
		if err != nil {
			return nil, err
		}
		return enc(c), nil
	}
	decode := func(b []byte) (any, error) {
		if b == nil {
			var zero V
			return zero, nil
		}
		return dec(b)
	}
	return encode, decode
}

func newCodec(t types.SemanticType) (*Codec, bool) {
	c := &Codec{Type: t}
	switch t {
	case types.SemanticFloat32:
		c.Column = isam.ColumnDef{Type: isam.ColumnIEEESingle, Flags: isam.ColumnNotNull}
		c.goType = reflect.TypeOf(float32(0))
		c.encode, c.decode = fixed(isam.PutSingle, isam.Single)
	case types.SemanticFloat64:
		c.Column = isam.ColumnDef{Type: isam.ColumnIEEEDouble, Flags: isam.ColumnNotNull}
		c.goType = reflect.TypeOf(float64(0))
		c.encode, c.decode = fixed(isam.PutDouble, isam.Double)
	case types.SemanticInt32:
		c.Column = isam.ColumnDef{Type: isam.ColumnLong, Flags: isam.ColumnNotNull}
		c.goType = reflect.TypeOf(int32(0))
		c.encode, c.decode = fixed(isam.PutLong, isam.Long)
	case types.SemanticInt16:
		c.Column = isam.ColumnDef{Type: isam.ColumnShort, Flags: isam.ColumnNotNull}
		c.goType = reflect.TypeOf(int16(0))
		c.encode, c.decode = fixed(isam.PutShort, isam.Short)
	case types.SemanticText:
		c.Column = isam.ColumnDef{Type: isam.ColumnLongText}
		c.goType = reflect.TypeOf("")
		c.encode, c.decode = fixed(
			func(s string) []byte { return append([]byte{}, s...) },
			func(b []byte) (string, error) { return string(b), nil },
		)
	case types.SemanticBoolean:
		c.Column = isam.ColumnDef{Type: isam.ColumnBit}
		c.goType = reflect.TypeOf(false)
		c.encode, c.decode = fixed(isam.PutBit, isam.Bit)
	case types.SemanticGuid:
		c.Column = isam.ColumnDef{Type: isam.ColumnBinary, Flags: isam.ColumnFixed | isam.ColumnNotNull, MaxLength: 16}
		c.goType = reflect.TypeOf(uuid.UUID{})
		c.encode, c.decode = fixed(
			func(u uuid.UUID) []byte { return append([]byte{}, u[:]...) },
			uuid.FromBytes,
		)
	case types.SemanticTimestamp:
		c.Column = isam.ColumnDef{Type: isam.ColumnDateTime, Flags: isam.ColumnNotNull}
		c.goType = reflect.TypeOf(time.Time{})
		c.encode, c.decode = fixed(isam.PutDateTime, isam.DateTime)
	case types.SemanticNullableTimestamp:
		c.Column = isam.ColumnDef{Type: isam.ColumnDateTime}
		c.goType = reflect.TypeOf((*time.Time)(nil))
		c.encode = encodeNullableTime
		c.decode = decodeNullableTime
	case types.SemanticBinaryBlob, types.SemanticInvalid:
		return nil, false
	default:
		return nil, false
	}
	return c, true
}

func encodeNullableTime(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	p, err := canonical[*time.Time](v)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	return isam.PutDateTime(*p), nil
}

func decodeNullableTime(b []byte) (any, error) {
	if b == nil {
		return (*time.Time)(nil), nil
	}
	t, err := isam.DateTime(b)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
