package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/coffee-change/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents malformed input (400)
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents failed webhook authentication (401)
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents missing ledger entries or addresses (404)
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryRateLimit represents rate limit errors (429)
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryDecode represents an undecodable log; callers skip it
	CategoryDecode ErrorCategory = "decode"
	// CategoryStore represents ledger or registry persistence failures (500)
	CategoryStore ErrorCategory = "store"
	// CategoryBroadcast represents signer or chain failures (502)
	CategoryBroadcast ErrorCategory = "broadcast"
	// CategorySystem represents other internal errors (500)
	CategorySystem ErrorCategory = "system"
)

// Sentinel errors checked with errors.Is across package boundaries
var (
	// ErrAlreadySettled is returned when a conditional settle update affects no rows
	ErrAlreadySettled = errors.New("ledger entry already settled")
	// ErrNotFound is returned by repositories when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrSignerUnavailable is returned when no session signer exists for an address
	ErrSignerUnavailable = errors.New("session signer unavailable")
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewValidationError creates a validation error for a named field
func NewValidationError(field string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "VALIDATION_ERROR",
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// NewInvalidAddressError creates an invalid address error
func NewInvalidAddressError(address string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_ADDRESS",
		Message:    fmt.Sprintf("invalid address format: %s", address),
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
		Cause: ErrNotFound,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewDecodeError creates an error for a log that cannot be decoded
func NewDecodeError(field string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDecode,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "DECODE_ERROR",
		Message:    fmt.Sprintf("cannot decode log field %s", field),
		Cause:      cause,
		Details: map[string]interface{}{
			"field": field,
		},
	}
}

// NewStoreError creates a persistence error
func NewStoreError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStore,
		StatusCode: http.StatusInternalServerError,
		Code:       "STORE_ERROR",
		Message:    fmt.Sprintf("store error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewBroadcastError creates a broadcaster failure
func NewBroadcastError(reason string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryBroadcast,
		StatusCode: http.StatusBadGateway,
		Code:       "BROADCAST_FAILED",
		Message:    reason,
		Cause:      cause,
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if errors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	if errors.Is(err, ErrNotFound) {
		return &CategorizedError{
			Category:   CategoryNotFound,
			StatusCode: http.StatusNotFound,
			Code:       "NOT_FOUND",
			Message:    err.Error(),
			Cause:      err,
		}
	}

	return NewInternalError("unexpected error", err)
}

func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	category := CategorySystem
	status := http.StatusInternalServerError

	switch err.Code {
	case "INVALID_ADDRESS", "INVALID_ADDRESS_FORMAT", "VALIDATION_ERROR":
		category, status = CategoryValidation, http.StatusBadRequest
	case "ADDRESS_NOT_FOUND", "LEDGER_ENTRY_NOT_FOUND", "NOT_FOUND":
		category, status = CategoryNotFound, http.StatusNotFound
	case "UNAUTHORIZED":
		category, status = CategoryAuthorization, http.StatusUnauthorized
	}

	return &CategorizedError{
		Category:   category,
		StatusCode: status,
		Code:       err.Code,
		Message:    err.Message,
		Details:    err.Details,
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsDecodeError reports whether err marks a log the caller should skip
func IsDecodeError(err error) bool {
	var catErr *CategorizedError
	return errors.As(err, &catErr) && catErr.Category == CategoryDecode
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrAlreadySettled) || errors.Is(err, ErrSignerUnavailable) {
		return false
	}

	catErr := Categorize(err)
	switch catErr.Category {
	case CategoryStore, CategoryBroadcast:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout ||
			catErr.Code == "INTERNAL_ERROR"
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
