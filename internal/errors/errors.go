// Package errors provides structured error types for the Chronolake system.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryCatalog    ErrorCategory = "CATALOG"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryContext    ErrorCategory = "CONTEXT"
	ErrCategoryEngine     ErrorCategory = "ENGINE"
	ErrCategoryQuery      ErrorCategory = "QUERY"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidDownsample = "INVALID_DOWNSAMPLE"
	CodeInvalidFilter     = "INVALID_FILTER"
	CodeInvalidTimeRange  = "INVALID_TIME_RANGE"
	CodeStatementTooLarge = "STATEMENT_TOO_LARGE"

	// Catalog codes
	CodeDatasetNotFound  = "DATASET_NOT_FOUND"
	CodeManifestNotFound = "MANIFEST_NOT_FOUND"
	CodeCatalogQuery     = "CATALOG_QUERY_FAILED"

	// Storage codes
	CodeUnresolvedStorageTarget = "UNRESOLVED_STORAGE_TARGET"
	CodeDownloadFailed          = "DOWNLOAD_FAILED"
	CodeUploadFailed            = "UPLOAD_FAILED"
	CodeObjectNotFound          = "OBJECT_NOT_FOUND"

	// Context cache codes
	CodeContextBuildFailed = "CONTEXT_BUILD_FAILED"

	// Engine codes
	CodeCacheDisposed = "CACHE_DISPOSED"
	CodeAttachFailed  = "ATTACH_FAILED"
	CodeEngineBuild   = "ENGINE_BUILD_FAILED"

	// Query codes
	CodeExecutionFailed  = "EXECUTION_FAILED"
	CodeUnknownBackend   = "UNKNOWN_EXECUTION_BACKEND"
	CodeExecutionTimeout = "EXECUTION_TIMEOUT"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// LakeError is the structured error type used throughout the system.
type LakeError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *LakeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *LakeError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *LakeError) Is(target error) bool {
	var t *LakeError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new LakeError.
func New(category ErrorCategory, code, message string) *LakeError {
	return &LakeError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Newf creates a new LakeError with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...interface{}) *LakeError {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new LakeError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *LakeError {
	return &LakeError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *LakeError) WithDetails(details map[string]interface{}) *LakeError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var le *LakeError
	if errors.As(err, &le) {
		return le.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a LakeError.
func GetCategory(err error) ErrorCategory {
	var le *LakeError
	if errors.As(err, &le) {
		return le.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a LakeError.
func GetCode(err error) string {
	var le *LakeError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	var le *LakeError
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}

// isRetryable determines if an error code is retryable.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryContext && code == CodeContextBuildFailed:
		return true
	case category == ErrCategoryQuery && code == CodeExecutionTimeout:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *LakeError {
	return New(ErrCategoryValidation, code, message)
}

func NewCatalogError(code, message string, cause error) *LakeError {
	return Wrap(ErrCategoryCatalog, code, message, cause)
}

func NewStorageError(code, message string, cause error) *LakeError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewEngineError(code, message string, cause error) *LakeError {
	return Wrap(ErrCategoryEngine, code, message, cause)
}

func NewQueryError(code, message string) *LakeError {
	return New(ErrCategoryQuery, code, message)
}

func NewInternalError(message string, cause error) *LakeError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
