// Package errors provides categorized errors for the settlement service.
// Admission rejections carry the offending limit in Details so API clients
// can render actionable messages without parsing error strings.
package errors

import (
	"fmt"
	"net/http"

	"github.com/payout-reconciler/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryAdmission represents payout admission rejections
	CategoryAdmission ErrorCategory = "admission"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents state conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryChain represents downstream chain submission errors
	CategoryChain ErrorCategory = "chain"
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

// Admission rejections (4xx)

// NewBelowMinimumError rejects a request under the payout floor
func NewBelowMinimumError(amount, minimum int64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAdmission,
		StatusCode: http.StatusBadRequest,
		Code:       "BELOW_MINIMUM",
		Message:    fmt.Sprintf("amount %d is below the minimum payout %d", amount, minimum),
		Details: map[string]interface{}{
			"amount":  amount,
			"minimum": minimum,
		},
	}
}

// NewAboveMaximumError rejects a request over the payout ceiling
func NewAboveMaximumError(amount, maximum int64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAdmission,
		StatusCode: http.StatusBadRequest,
		Code:       "ABOVE_MAXIMUM",
		Message:    fmt.Sprintf("amount %d exceeds the maximum payout %d", amount, maximum),
		Details: map[string]interface{}{
			"amount":  amount,
			"maximum": maximum,
		},
	}
}

// NewNoAddressConfiguredError rejects a request to a chain the user has no address for
func NewNoAddressConfiguredError(userID string, chain types.ChainID) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAdmission,
		StatusCode: http.StatusBadRequest,
		Code:       "NO_ADDRESS_CONFIGURED",
		Message:    fmt.Sprintf("user %s has no address configured for chain %s", userID, chain),
		Details: map[string]interface{}{
			"userId": userID,
			"chain":  string(chain),
		},
	}
}

// NewVelocityExceededError rejects a request that would breach a rolling-window cap
func NewVelocityExceededError(window string, requested, windowTotal, cap int64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAdmission,
		StatusCode: http.StatusTooManyRequests,
		Code:       "VELOCITY_EXCEEDED",
		Message:    fmt.Sprintf("request of %d would bring the %s total to %d, over the cap %d", requested, window, windowTotal+requested, cap),
		Details: map[string]interface{}{
			"window":      window,
			"requested":   requested,
			"windowTotal": windowTotal,
			"cap":         cap,
		},
	}
}

// NewUnsupportedChainError rejects a request targeting a chain not configured
func NewUnsupportedChainError(chain types.ChainID) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       "UNSUPPORTED_CHAIN",
		Message:    fmt.Sprintf("unsupported target chain: %s", chain),
		Details: map[string]interface{}{
			"chain": string(chain),
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
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
	}
}

// NewInvalidStateError rejects an operation that the request's current status forbids
func NewInvalidStateError(requestID string, status types.PayoutStatus, operation string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "INVALID_STATE",
		Message:    fmt.Sprintf("cannot %s payout %s in status %s", operation, requestID, status),
		Details: map[string]interface{}{
			"requestId": requestID,
			"status":    string(status),
			"operation": operation,
		},
	}
}

// NewConflictAlreadyResolvedError rejects a second resolution of the same conflict
func NewConflictAlreadyResolvedError(conflictID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "CONFLICT_ALREADY_RESOLVED",
		Message:    fmt.Sprintf("conflict %s is already resolved", conflictID),
		Details: map[string]interface{}{
			"conflictId": conflictID,
		},
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

// System errors (5xx)

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

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       "CACHE_ERROR",
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewChainSubmissionError wraps a failed submission to a settlement chain
func NewChainSubmissionError(chain types.ChainID, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryChain,
		StatusCode: http.StatusBadGateway,
		Code:       "CHAIN_SUBMISSION_FAILED",
		Message:    fmt.Sprintf("submission to chain %s failed", chain),
		Cause:      cause,
		Details: map[string]interface{}{
			"chain": string(chain),
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "SERVICE_UNAVAILABLE",
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	if catErr, ok := err.(*CategorizedError); ok {
		return catErr
	}

	if svcErr, ok := err.(*types.ServiceError); ok {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	switch err.Code {
	case "BELOW_MINIMUM", "ABOVE_MAXIMUM", "NO_ADDRESS_CONFIGURED", "UNSUPPORTED_CHAIN", "INVALID_PARAMETER":
		return &CategorizedError{
			Category:   CategoryUserInput,
			StatusCode: http.StatusBadRequest,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	case "VELOCITY_EXCEEDED", "RATE_LIMIT_EXCEEDED":
		return &CategorizedError{
			Category:   CategoryRateLimit,
			StatusCode: http.StatusTooManyRequests,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	case "NOT_FOUND":
		return &CategorizedError{
			Category:   CategoryNotFound,
			StatusCode: http.StatusNotFound,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	case "INVALID_STATE", "CONFLICT_ALREADY_RESOLVED":
		return &CategorizedError{
			Category:   CategoryConflict,
			StatusCode: http.StatusConflict,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	default:
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable. Admission and state
// conflicts never are; infrastructure and chain errors are.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryChain, CategoryDatabase, CategoryCache:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
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
