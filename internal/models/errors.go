package models

import (
	"errors"
	"fmt"
)

// ErrorCode represents standardized error codes
type ErrorCode string

const (
	ErrorCodeNotFound                 ErrorCode = "NOT_FOUND"
	ErrorCodeInsufficientStock        ErrorCode = "INSUFFICIENT_STOCK"
	ErrorCodeVersionConflict          ErrorCode = "VERSION_CONFLICT"
	ErrorCodeVersionConflictExhausted ErrorCode = "VERSION_CONFLICT_EXHAUSTED"
	ErrorCodeInvalidQuantity          ErrorCode = "INVALID_QUANTITY"
	ErrorCodeAlreadyExists            ErrorCode = "ALREADY_EXISTS"
	ErrorCodeAlreadyTerminal          ErrorCode = "ALREADY_TERMINAL"
	ErrorCodeStorageUnavailable       ErrorCode = "STORAGE_UNAVAILABLE"
	ErrorCodeValidationError          ErrorCode = "VALIDATION_ERROR"
	ErrorCodeIdempotencyKeyReused     ErrorCode = "IDEMPOTENCY_KEY_REUSED"
	ErrorCodeReservationInProgress    ErrorCode = "RESERVATION_IN_PROGRESS"
	ErrorCodeIncompleteOperation      ErrorCode = "INCOMPLETE_OPERATION"
	ErrorCodeStockHeld                ErrorCode = "STOCK_HELD"
	ErrorCodeStatusConflict           ErrorCode = "STATUS_CONFLICT"
	ErrorCodeInternalError            ErrorCode = "INTERNAL_ERROR"
)

// ErrDuplicateOperation is returned by stores when a movement with the same
// operation id was already appended.
var ErrDuplicateOperation = errors.New("operation already applied")

// coded is implemented by every typed error in this package
type coded interface {
	ErrorCode() ErrorCode
}

// ValidationError represents validation errors with detailed field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Value   any    `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) ErrorCode() ErrorCode { return ErrorCodeValidationError }

// NotFoundError represents resource not found errors
type NotFoundError struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID '%s' not found", e.Resource, e.ID)
}

func (e *NotFoundError) ErrorCode() ErrorCode { return ErrorCodeNotFound }

// InsufficientStockError names the first product that could not be satisfied
type InsufficientStockError struct {
	ProductID string `json:"product_id"`
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product '%s': requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) ErrorCode() ErrorCode { return ErrorCodeInsufficientStock }

// VersionConflictError signals a concurrent writer updated the record first
type VersionConflictError struct {
	ProductID string `json:"product_id"`
	Expected  int64  `json:"expected"`
	Actual    int64  `json:"actual"`
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on product '%s': expected %d, found %d", e.ProductID, e.Expected, e.Actual)
}

func (e *VersionConflictError) ErrorCode() ErrorCode { return ErrorCodeVersionConflict }

// VersionConflictExhaustedError is surfaced once bounded retries run out
type VersionConflictExhaustedError struct {
	ProductID string `json:"product_id"`
	Attempts  int    `json:"attempts"`
}

func (e *VersionConflictExhaustedError) Error() string {
	return fmt.Sprintf("version conflict on product '%s' persisted after %d attempts", e.ProductID, e.Attempts)
}

func (e *VersionConflictExhaustedError) ErrorCode() ErrorCode {
	return ErrorCodeVersionConflictExhausted
}

// BusinessError represents caller misuse that should not be retried
type BusinessError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BusinessError) ErrorCode() ErrorCode { return e.Code }

// ConflictError represents a state precondition that did not hold
type ConflictError struct {
	Code     ErrorCode `json:"code"`
	Resource string    `json:"resource"`
	Reason   string    `json:"reason"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict with %s: %s", e.Resource, e.Reason)
}

func (e *ConflictError) ErrorCode() ErrorCode { return e.Code }

// SystemError represents system-level errors (database, cache, brokers)
type SystemError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Cause     error     `json:"-"`
	Component string    `json:"component"`
}

func (e *SystemError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s in %s: %s (caused by: %v)", e.Code, e.Component, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s in %s: %s", e.Code, e.Component, e.Message)
}

func (e *SystemError) Unwrap() error { return e.Cause }

func (e *SystemError) ErrorCode() ErrorCode { return e.Code }

// IncompleteError reports a multi-product operation that stopped part way.
// The reservation keeps Status and must be re-driven with the same key.
type IncompleteError struct {
	OrderID string            `json:"order_id"`
	Status  ReservationStatus `json:"status"`
	Applied []string          `json:"applied,omitempty"`
	Cause   error             `json:"-"`
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("operation on order '%s' incomplete, reservation left %s: %v", e.OrderID, e.Status, e.Cause)
}

func (e *IncompleteError) Unwrap() error { return e.Cause }

func (e *IncompleteError) ErrorCode() ErrorCode { return ErrorCodeIncompleteOperation }

// Error factory functions for common scenarios

func NewValidationError(field, message string, value any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

func NewBusinessError(code ErrorCode, message string, details any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

func NewSystemError(code ErrorCode, component, message string, cause error) *SystemError {
	return &SystemError{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Component: component,
	}
}

// NewStorageError wraps an infrastructure failure of a store component.
func NewStorageError(component, message string, cause error) *SystemError {
	return NewSystemError(ErrorCodeStorageUnavailable, component, message, cause)
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{
		Resource: resource,
		ID:       id,
	}
}

func NewConflictError(code ErrorCode, resource, reason string) *ConflictError {
	return &ConflictError{
		Code:     code,
		Resource: resource,
		Reason:   reason,
	}
}

func NewInvalidQuantityError(message string, quantity int64) *BusinessError {
	return NewBusinessError(ErrorCodeInvalidQuantity, message, map[string]int64{"quantity": quantity})
}

func NewAlreadyTerminalError(r *Reservation) *BusinessError {
	return NewBusinessError(ErrorCodeAlreadyTerminal,
		fmt.Sprintf("reservation '%s' is already %s", r.OrderID, r.Status),
		map[string]any{"order_id": r.OrderID, "status": r.Status})
}

// Error type guards for better error handling

func IsValidationError(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsBusinessError(err error) bool {
	var e *BusinessError
	return errors.As(err, &e)
}

func IsSystemError(err error) bool {
	var e *SystemError
	return errors.As(err, &e)
}

func IsNotFoundError(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsConflictError(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsVersionConflict(err error) bool {
	var e *VersionConflictError
	return errors.As(err, &e)
}

// CodeOf extracts the error code of the outermost typed error in the chain.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var c coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ErrorCodeInternalError
}

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrorCodeVersionConflict, ErrorCodeVersionConflictExhausted,
		ErrorCodeStorageUnavailable, ErrorCodeIncompleteOperation:
		return true
	default:
		return false
	}
}
