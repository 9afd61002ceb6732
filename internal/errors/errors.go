// Package errors provides structured error types for the mapper.
// All errors include a category, code, message, and retryable flag so callers
// can branch on the failure class without parsing messages.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the component that raised them.
type ErrorCategory string

const (
	ErrCategoryMapping  ErrorCategory = "MAPPING"
	ErrCategoryCodec    ErrorCategory = "CODEC"
	ErrCategorySchema   ErrorCategory = "SCHEMA"
	ErrCategoryRecord   ErrorCategory = "RECORD"
	ErrCategoryEngine   ErrorCategory = "ENGINE"
	ErrCategoryConfig   ErrorCategory = "CONFIG"
	ErrCategoryStorage  ErrorCategory = "STORAGE"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Mapping codes
	CodeMappingDefinition = "MAPPING_DEFINITION"

	// Codec codes
	CodeUnsupportedType = "UNSUPPORTED_TYPE"
	CodeEncodeFailed    = "ENCODE_FAILED"
	CodeDecodeFailed    = "DECODE_FAILED"

	// Schema codes
	CodeSchemaSyncFailed = "SCHEMA_SYNC_FAILED"

	// Record codes
	CodeRecordNotFound = "RECORD_NOT_FOUND"

	// Engine codes
	CodeWriteConflict = "WRITE_CONFLICT"
	CodeEngineFailure = "ENGINE_FAILURE"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the module.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. Only transient
// engine contention and object storage transfers qualify.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryEngine && code == CodeWriteConflict:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewMappingError(message string, cause error) *Error {
	return Wrap(ErrCategoryMapping, CodeMappingDefinition, message, cause)
}

func NewUnsupportedTypeError(message string) *Error {
	return New(ErrCategoryCodec, CodeUnsupportedType, message)
}

func NewCodecError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryCodec, code, message, cause)
}

func NewSchemaSyncError(message string, cause error) *Error {
	return Wrap(ErrCategorySchema, CodeSchemaSyncFailed, message, cause)
}

func NewRecordNotFound(message string) *Error {
	return New(ErrCategoryRecord, CodeRecordNotFound, message)
}

func NewEngineError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryEngine, code, message, cause)
}

func NewConfigError(message string) *Error {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// Matchers for the error classes callers branch on.

func IsMappingDefinition(err error) bool {
	return hasCode(err, ErrCategoryMapping, CodeMappingDefinition)
}

func IsUnsupportedType(err error) bool {
	return hasCode(err, ErrCategoryCodec, CodeUnsupportedType)
}

func IsSchemaSync(err error) bool {
	return hasCode(err, ErrCategorySchema, CodeSchemaSyncFailed)
}

func IsRecordNotFound(err error) bool {
	return hasCode(err, ErrCategoryRecord, CodeRecordNotFound)
}

// hasCode walks the whole chain, so a codec error wrapped by a mapping error
// still matches both classes.
func hasCode(err error, category ErrorCategory, code string) bool {
	return errors.Is(err, &Error{Category: category, Code: code})
}
