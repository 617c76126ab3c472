package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// Standard error types
var (
	ErrNotFound          = errors.New("resource not found")
	ErrBadRequest        = errors.New("bad request")
	ErrConflict          = errors.New("resource conflict")
	ErrInternal          = errors.New("internal server error")
	ErrValidation        = errors.New("validation error")
	ErrForbidden         = errors.New("forbidden")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrAlreadyDelivered  = errors.New("order already delivered")
	ErrUnknownBatch      = errors.New("unknown batch")
	ErrUnknownOrder      = errors.New("unknown order")
	ErrStorageConflict   = errors.New("storage conflict")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	StatusCode int               `json:"status_code"`
	Details    map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code string, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code string, message string, statusCode int) *AppError {
	return &AppError{
		Err:        err,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WithDetails adds details to an AppError
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// Common error constructors

func NotFound(resource string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Code:       "BAD_REQUEST",
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Code:       "CONFLICT",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func Internal(message string) *AppError {
	return &AppError{
		Err:        ErrInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

func Forbidden(message string) *AppError {
	return &AppError{
		Err:        ErrForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

func Validation(details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Code:       "VALIDATION_ERROR",
		Message:    "validation failed",
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

// Fulfillment error constructors

// InsufficientStock reports that eligible batches could not cover the
// requested quantity. The shortfall is the uncovered remainder.
func InsufficientStock(shortfall int) *AppError {
	return &AppError{
		Err:        ErrInsufficientStock,
		Code:       "INSUFFICIENT_STOCK",
		Message:    fmt.Sprintf("insufficient stock, short by %d units", shortfall),
		StatusCode: http.StatusConflict,
		Details: map[string]string{
			"shortfall": strconv.Itoa(shortfall),
		},
	}
}

// InvalidTransition reports a status-guard violation on an order.
func InvalidTransition(current, requested string) *AppError {
	return &AppError{
		Err:        ErrInvalidTransition,
		Code:       "INVALID_TRANSITION",
		Message:    fmt.Sprintf("cannot apply %s to an order in status %s", requested, current),
		StatusCode: http.StatusConflict,
		Details: map[string]string{
			"current_status": current,
			"requested":      requested,
		},
	}
}

// AlreadyDelivered reports a repeated delivery confirmation for an order
// whose stock has already been credited to the receiving party.
func AlreadyDelivered(orderID string) *AppError {
	return &AppError{
		Err:        ErrAlreadyDelivered,
		Code:       "ALREADY_DELIVERED",
		Message:    fmt.Sprintf("order %s has already been delivered", orderID),
		StatusCode: http.StatusConflict,
	}
}

// UnknownBatch reports a reference to a batch number that does not exist
// in the addressed stock record.
func UnknownBatch(batchNumber string) *AppError {
	return &AppError{
		Err:        ErrUnknownBatch,
		Code:       "UNKNOWN_BATCH",
		Message:    fmt.Sprintf("batch %s not found", batchNumber),
		StatusCode: http.StatusNotFound,
	}
}

// UnknownOrder reports a reference to an order id that does not exist.
func UnknownOrder(orderID string) *AppError {
	return &AppError{
		Err:        ErrUnknownOrder,
		Code:       "UNKNOWN_ORDER",
		Message:    fmt.Sprintf("order %s not found", orderID),
		StatusCode: http.StatusNotFound,
	}
}

// StorageConflict reports concurrent-write contention. Callers inside the
// service retry a bounded number of times before surfacing this.
func StorageConflict(err error) *AppError {
	cause := ErrStorageConflict
	if err != nil {
		cause = fmt.Errorf("%w: %v", ErrStorageConflict, err)
	}
	return &AppError{
		Err:        cause,
		Code:       "STORAGE_CONFLICT",
		Message:    "concurrent update conflict, please retry",
		StatusCode: http.StatusServiceUnavailable,
	}
}

// Is checks if the error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As attempts to convert an error to a specific type
func As(err error, target any) bool {
	return errors.As(err, target)
}
