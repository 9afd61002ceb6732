package isam

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Physical value formats. All fixed-width encodings are big-endian with the
// sign folded so that bytes.Compare orders them like the values they encode.

const dateTimeSize = 12

func PutBit(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func Bit(b []byte) (bool, error) {
	if len(b) != 1 || b[0] > 1 {
		return false, fmt.Errorf("%w: bit value %x", ErrInvalidColumnValue, b)
	}
	return b[0] == 1, nil
}

func PutShort(v int16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(v)^0x8000)
	return b
}

func Short(b []byte) (int16, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("%w: short needs 2 bytes, got %d", ErrInvalidColumnValue, len(b))
	}
	return int16(binary.BigEndian.Uint16(b) ^ 0x8000), nil
}

func PutLong(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v)^0x80000000)
	return b
}

func Long(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: long needs 4 bytes, got %d", ErrInvalidColumnValue, len(b))
	}
	return int32(binary.BigEndian.Uint32(b) ^ 0x80000000), nil
}

func PutSingle(v float32) []byte {
	bits := math.Float32bits(v)
	if bits&(1<<31) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 31
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, bits)
	return b
}

func Single(b []byte) (float32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: single needs 4 bytes, got %d", ErrInvalidColumnValue, len(b))
	}
	bits := binary.BigEndian.Uint32(b)
	if bits&(1<<31) != 0 {
		bits &^= 1 << 31
	} else {
		bits = ^bits
	}
	return math.Float32frombits(bits), nil
}

func PutDouble(v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, bits)
	return b
}

func Double(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: double needs 8 bytes, got %d", ErrInvalidColumnValue, len(b))
	}
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits), nil
}

// PutDateTime stores Unix seconds (sign folded) followed by nanoseconds, which
// keeps full time.Time range and sub-second precision.
func PutDateTime(t time.Time) []byte {
	b := make([]byte, dateTimeSize)
	binary.BigEndian.PutUint64(b[:8], uint64(t.Unix())^(1<<63))
	binary.BigEndian.PutUint32(b[8:], uint32(t.Nanosecond()))
	return b
}

// DateTime decodes a PutDateTime value as UTC.
func DateTime(b []byte) (time.Time, error) {
	if len(b) != dateTimeSize {
		return time.Time{}, fmt.Errorf("%w: datetime needs %d bytes, got %d", ErrInvalidColumnValue, dateTimeSize, len(b))
	}
	sec := int64(binary.BigEndian.Uint64(b[:8]) ^ (1 << 63))
	nsec := binary.BigEndian.Uint32(b[8:])
	if nsec >= 1e9 {
		return time.Time{}, fmt.Errorf("%w: datetime nanoseconds %d out of range", ErrInvalidColumnValue, nsec)
	}
	return time.Unix(sec, int64(nsec)).UTC(), nil
}

// ValidateValue checks a non-null value against a column definition.
func ValidateValue(def ColumnDef, v []byte) error {
	if v == nil {
		if def.NotNull() {
			return ErrNullInvalid
		}
		return nil
	}
	if size := def.Type.FixedSize(); size > 0 && len(v) != size {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrInvalidColumnValue, def.Type, size, len(v))
	}
	if def.Type == ColumnBit && v[0] > 1 {
		return fmt.Errorf("%w: bit value %d", ErrInvalidColumnValue, v[0])
	}
	if def.Fixed() && def.MaxLength > 0 && len(v) != def.MaxLength {
		return fmt.Errorf("%w: fixed column needs %d bytes, got %d", ErrInvalidColumnValue, def.MaxLength, len(v))
	}
	if def.MaxLength > 0 && len(v) > def.MaxLength {
		return fmt.Errorf("%w: %d > %d", ErrColumnTooLong, len(v), def.MaxLength)
	}
	return nil
}
