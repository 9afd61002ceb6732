package types

import "errors"

// Semantic type errors
var (
	// ErrUnknownSemanticType is returned when a name does not match any member
	// of the semantic type enumeration
	ErrUnknownSemanticType = errors.New("unknown semantic type")
)
