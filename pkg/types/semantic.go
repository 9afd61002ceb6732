// Package types holds the value-level vocabulary shared by the mapper and its
// callers.
package types

import (
	"fmt"
	"strings"
)

// SemanticType identifies the kind of value a mapped field holds. The set is
// closed: adding a member requires a matching codec in internal/codec.
type SemanticType uint8

const (
	SemanticInvalid SemanticType = iota
	SemanticFloat32
	SemanticFloat64
	SemanticInt32
	SemanticInt16
	SemanticText
	SemanticBoolean
	SemanticBinaryBlob
	SemanticGuid
	SemanticTimestamp
	SemanticNullableTimestamp
)

var semanticNames = [...]string{
	SemanticInvalid:           "invalid",
	SemanticFloat32:           "float32",
	SemanticFloat64:           "float64",
	SemanticInt32:             "int32",
	SemanticInt16:             "int16",
	SemanticText:              "text",
	SemanticBoolean:           "boolean",
	SemanticBinaryBlob:        "binary-blob",
	SemanticGuid:              "guid",
	SemanticTimestamp:         "timestamp",
	SemanticNullableTimestamp: "nullable-timestamp",
}

// AllSemanticTypes returns the enumeration in its fixed classification order.
func AllSemanticTypes() []SemanticType {
	return []SemanticType{
		SemanticFloat32,
		SemanticFloat64,
		SemanticInt32,
		SemanticInt16,
		SemanticText,
		SemanticBoolean,
		SemanticBinaryBlob,
		SemanticGuid,
		SemanticTimestamp,
		SemanticNullableTimestamp,
	}
}

// String returns the stable lower-case name of the type.
func (t SemanticType) String() string {
	if int(t) < len(semanticNames) {
		return semanticNames[t]
	}
	return fmt.Sprintf("semantic(%d)", uint8(t))
}

// Valid reports whether t is a member of the enumeration.
func (t SemanticType) Valid() bool {
	return t > SemanticInvalid && t <= SemanticNullableTimestamp
}

// Nullable reports whether the type carries an explicit absent value.
func (t SemanticType) Nullable() bool {
	return t == SemanticNullableTimestamp
}

// ParseSemanticType is the inverse of String.
func ParseSemanticType(s string) (SemanticType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, t := range AllSemanticTypes() {
		if semanticNames[t] == name {
			return t, nil
		}
	}
	return SemanticInvalid, fmt.Errorf("%w: %q", ErrUnknownSemanticType, s)
}
