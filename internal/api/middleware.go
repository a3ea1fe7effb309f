package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stock-ledger/internal/models"
)

// retryAfterSeconds is sent with every 503 so callers back off before
// re-driving the request with the same idempotency key.
const retryAfterSeconds = 1

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// ErrorHandlerMiddleware renders errors attached with c.Error as problem details
func ErrorHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last()
		switch err.Type {
		case gin.ErrorTypeBind:
			handleValidationError(c, err.Err)
		default:
			Response.Error(c, err.Err)
		}
	}
}

// CORSMiddleware handles CORS headers
func CORSMiddleware(methods string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, Idempotency-Key, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// ResponseHelpers provides methods for REST-native responses
type ResponseHelpers struct{}

// Success sends the resource directly (no wrapper)
func (h *ResponseHelpers) Success(c *gin.Context, resource interface{}) {
	c.JSON(http.StatusOK, resource)
}

// Created sends a 201 created response with the created resource
func (h *ResponseHelpers) Created(c *gin.Context, resource interface{}) {
	c.JSON(http.StatusCreated, resource)
}

// NoContent sends a 204 no content response
func (h *ResponseHelpers) NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func (h *ResponseHelpers) ValidationError(c *gin.Context, field, message string) {
	h.problem(c, models.NewValidationProblem(field, message, models.ErrorCodeValidationError))
}

// Error maps a ledger error to its problem details response
func (h *ResponseHelpers) Error(c *gin.Context, err error) {
	code := models.CodeOf(err)

	switch code {
	case models.ErrorCodeValidationError:
		var v *models.ValidationError
		if errors.As(err, &v) {
			h.problem(c, models.NewValidationProblem(v.Field, v.Message, code))
			return
		}
		h.problem(c, models.NewValidationProblem("", err.Error(), code))

	case models.ErrorCodeInvalidQuantity:
		problem := models.NewBusinessLogicProblem(http.StatusBadRequest, "Invalid Quantity", err.Error(), code)
		problem.Errors = detailsOf(err)
		h.problem(c, problem)

	case models.ErrorCodeNotFound:
		var nf *models.NotFoundError
		if errors.As(err, &nf) {
			h.problem(c, models.NewNotFoundProblem(nf.Resource+" '"+nf.ID+"'"))
			return
		}
		h.problem(c, models.NewNotFoundProblem("Resource"))

	case models.ErrorCodeInsufficientStock:
		problem := models.NewBusinessLogicProblem(http.StatusConflict, "Insufficient Stock", err.Error(), code)
		var is *models.InsufficientStockError
		if errors.As(err, &is) {
			problem.Errors = is
		}
		h.problem(c, problem)

	case models.ErrorCodeAlreadyExists, models.ErrorCodeAlreadyTerminal,
		models.ErrorCodeReservationInProgress, models.ErrorCodeStockHeld,
		models.ErrorCodeStatusConflict:
		problem := models.NewBusinessLogicProblem(http.StatusConflict, titleOf(code), err.Error(), code)
		problem.Errors = detailsOf(err)
		h.problem(c, problem)

	case models.ErrorCodeIdempotencyKeyReused:
		problem := models.NewBusinessLogicProblem(http.StatusUnprocessableEntity, "Idempotency Key Reused", err.Error(), code)
		problem.Errors = detailsOf(err)
		h.problem(c, problem)

	case models.ErrorCodeIncompleteOperation:
		problem := models.NewBusinessLogicProblem(http.StatusConflict, "Incomplete Operation", err.Error(), code)
		var inc *models.IncompleteError
		if errors.As(err, &inc) {
			problem.Errors = inc
		}
		h.problem(c, problem)

	case models.ErrorCodeVersionConflict, models.ErrorCodeVersionConflictExhausted,
		models.ErrorCodeStorageUnavailable:
		log.Warn().Err(err).Str("request_id", getRequestID(c)).Msg("Request failed with a retryable error")
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		h.problem(c, models.NewUnavailableProblem(err.Error(), code))

	default:
		h.InternalError(c, err)
	}
}

// InternalError sends a 500 internal server error response
func (h *ResponseHelpers) InternalError(c *gin.Context, err error) {
	log.Error().
		Str("request_id", getRequestID(c)).
		Err(err).
		Msg("Internal server error")

	h.problem(c, models.NewInternalErrorProblem())
}

func (h *ResponseHelpers) problem(c *gin.Context, problem *models.ProblemDetails) {
	h.setRequestIDHeader(c)
	problem.Instance = c.Request.URL.Path
	c.AbortWithStatusJSON(problem.Status, problem)
}

// Helper functions

func (h *ResponseHelpers) setRequestIDHeader(c *gin.Context) {
	if requestID := getRequestID(c); requestID != "" {
		c.Header("X-Request-ID", requestID)
	}
}

func getRequestID(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		return requestID.(string)
	}
	return ""
}

func detailsOf(err error) any {
	var be *models.BusinessError
	if errors.As(err, &be) {
		return be.Details
	}
	var ce *models.ConflictError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

func titleOf(code models.ErrorCode) string {
	words := strings.Split(strings.ToLower(string(code)), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func handleValidationError(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		violations := make([]models.ValidationError, 0, len(validationErrors))
		for _, validationError := range validationErrors {
			violations = append(violations, models.ValidationError{
				Field:   strings.ToLower(validationError.Field()),
				Message: getValidationMessage(validationError),
				Code:    validationError.Tag(),
			})
		}
		Response.problem(c, models.NewMultiValidationProblem(violations))
		return
	}

	Response.problem(c, models.NewValidationProblem("request", err.Error(), models.ErrorCodeValidationError))
}

func getValidationMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return "Value is too small"
	case "max":
		return "Value is too large"
	case "dive":
		return "Invalid list item"
	default:
		return "Invalid value"
	}
}

// bindJSON binds the body and reports binding failures as validation problems
func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		_ = c.Error(err).SetType(gin.ErrorTypeBind)
		c.Abort()
		return false
	}
	return true
}

// idempotencyKey prefers the Idempotency-Key header over the body field
func idempotencyKey(c *gin.Context, fromBody string) string {
	if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" {
		return key
	}
	return fromBody
}

// Response is the shared response helper
var Response = &ResponseHelpers{}
