package models

import (
	"net/http"
	"time"
)

const (
	ProblemTypeValidationError = "validation-error"
	ProblemTypeBusinessError   = "business-logic-error"
	ProblemTypeNotFound        = "not-found"
	ProblemTypeInternalError   = "internal-error"
	ProblemTypeUnavailable     = "service-unavailable"
)

// API Request Models

// ReserveLineRequest is one line of a reserve request
type ReserveLineRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int64  `json:"quantity" binding:"required,min=1"`
}

// ReserveRequest places a hold for an order across several products
type ReserveRequest struct {
	OrderID        string               `json:"order_id" binding:"required"`
	IdempotencyKey string               `json:"idempotency_key"`
	Lines          []ReserveLineRequest `json:"lines" binding:"required,min=1,dive"`
}

// RestockRequest adds supply to one product
type RestockRequest struct {
	Quantity       int64  `json:"quantity" binding:"required"`
	Supplier       string `json:"supplier"`
	IdempotencyKey string `json:"idempotency_key"`
}

// SetTotalRequest overwrites the total quantity of one product
type SetTotalRequest struct {
	Total          *int64 `json:"total" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

// BulkAdjustItemRequest is one item of a bulk adjustment
type BulkAdjustItemRequest struct {
	ProductID string `json:"product_id"`
	Total     int64  `json:"total"`
}

// BulkAdjustRequest applies independent total corrections
type BulkAdjustRequest struct {
	Items          []BulkAdjustItemRequest `json:"items" binding:"required,min=1"`
	IdempotencyKey string                  `json:"idempotency_key"`
}

// API Response Models

// StockResponse is the REST representation of a StockRecord
type StockResponse struct {
	ProductID         string    `json:"product_id"`
	TotalQuantity     int64     `json:"total_quantity"`
	ReservedQuantity  int64     `json:"reserved_quantity"`
	AvailableQuantity int64     `json:"available_quantity"`
	Version           int64     `json:"version"`
	UpdatedAt         time.Time `json:"updated_at"`
	CacheHit          bool      `json:"cache_hit,omitempty"`
}

// NewStockResponse converts a record for the API
func NewStockResponse(rec *StockRecord) *StockResponse {
	return &StockResponse{
		ProductID:         rec.ProductID,
		TotalQuantity:     rec.TotalQuantity,
		ReservedQuantity:  rec.ReservedQuantity,
		AvailableQuantity: rec.Available(),
		Version:           rec.Version,
		UpdatedAt:         rec.UpdatedAt,
	}
}

// LowStockResponse lists products under a threshold
type LowStockResponse struct {
	Items     []StockResponse `json:"items"`
	Count     int             `json:"count"`
	Threshold int64           `json:"threshold"`
	Next      string          `json:"next,omitempty"`
}

// MovementsResponse pages through the movement log
type MovementsResponse struct {
	Items []MovementRecord `json:"items"`
	Count int              `json:"count"`
	Next  int64            `json:"next,omitempty"`
}

// ProblemDetails is an RFC 7807 error body
type ProblemDetails struct {
	Type     string      `json:"type"`
	Title    string      `json:"title"`
	Status   int         `json:"status"`
	Detail   string      `json:"detail,omitempty"`
	Instance string      `json:"instance,omitempty"`
	Field    string      `json:"field,omitempty"`
	Code     string      `json:"code,omitempty"`
	Errors   interface{} `json:"errors,omitempty"`
}

func NewProblemDetails(status int, title, detail string) *ProblemDetails {
	return &ProblemDetails{
		Type:   getProblemType(status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// NewValidationProblem creates a validation error problem
func NewValidationProblem(field, message string, code ErrorCode) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeValidationError,
		Title:  "Validation Failed",
		Status: http.StatusBadRequest,
		Detail: message,
		Field:  field,
		Code:   string(code),
	}
}

// NewMultiValidationProblem creates a multi-field validation error problem
func NewMultiValidationProblem(violations []ValidationError) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeValidationError,
		Title:  "Validation Failed",
		Status: http.StatusBadRequest,
		Detail: "Multiple validation errors occurred",
		Code:   string(ErrorCodeValidationError),
		Errors: violations,
	}
}

// NewBusinessLogicProblem creates a business logic error problem
func NewBusinessLogicProblem(status int, title, detail string, code ErrorCode) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeBusinessError,
		Title:  title,
		Status: status,
		Detail: detail,
		Code:   string(code),
	}
}

// NewNotFoundProblem creates a not found error problem
func NewNotFoundProblem(resource string) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeNotFound,
		Title:  "Resource Not Found",
		Status: http.StatusNotFound,
		Detail: resource + " not found",
		Code:   string(ErrorCodeNotFound),
	}
}

// NewUnavailableProblem creates a retryable 503 problem
func NewUnavailableProblem(detail string, code ErrorCode) *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeUnavailable,
		Title:  "Service Unavailable",
		Status: http.StatusServiceUnavailable,
		Detail: detail,
		Code:   string(code),
	}
}

// NewInternalErrorProblem creates an internal server error problem
func NewInternalErrorProblem() *ProblemDetails {
	return &ProblemDetails{
		Type:   ProblemTypeInternalError,
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
		Detail: "An unexpected error occurred",
		Code:   string(ErrorCodeInternalError),
	}
}

func getProblemType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ProblemTypeValidationError
	case http.StatusNotFound:
		return ProblemTypeNotFound
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return ProblemTypeBusinessError
	case http.StatusServiceUnavailable:
		return ProblemTypeUnavailable
	default:
		return ProblemTypeInternalError
	}
}
