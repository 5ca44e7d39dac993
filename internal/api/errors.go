package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"stock-tracker/internal/catalog"
	"stock-tracker/internal/database"
	"stock-tracker/internal/models"
	"stock-tracker/internal/monitor"
)

// Error is a structured API error response.
type Error struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// ToJSON renders the error envelope.
func (e *Error) ToJSON() []byte {
	data, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   e,
	})
	return data
}

func BadRequest(message string) *Error {
	return &Error{StatusCode: http.StatusBadRequest, Code: "BAD_REQUEST", Message: message}
}

func Unauthorized(message string) *Error {
	if message == "" {
		message = "Authentication required"
	}
	return &Error{StatusCode: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: message}
}

func NotFound(message string) *Error {
	if message == "" {
		message = "Resource not found"
	}
	return &Error{StatusCode: http.StatusNotFound, Code: "NOT_FOUND", Message: message}
}

func Conflict(code, message string) *Error {
	return &Error{StatusCode: http.StatusConflict, Code: code, Message: message}
}

func Unavailable(message string) *Error {
	return &Error{StatusCode: http.StatusServiceUnavailable, Code: "SERVICE_UNAVAILABLE", Message: message}
}

func InternalError(message string) *Error {
	if message == "" {
		message = "An unexpected error occurred"
	}
	return &Error{StatusCode: http.StatusInternalServerError, Code: "INTERNAL_ERROR", Message: message}
}

// toAPIError maps domain errors onto HTTP responses.
func toAPIError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var ce *models.ConfigurationError
	switch {
	case errors.As(err, &ce):
		return &Error{StatusCode: http.StatusBadRequest, Code: "VALIDATION_ERROR", Message: ce.Message, Field: ce.Field}
	case errors.Is(err, catalog.ErrUnsupportedRef):
		return &Error{StatusCode: http.StatusBadRequest, Code: "UNSUPPORTED_REF", Message: err.Error()}
	case errors.Is(err, monitor.ErrProductNotFound), errors.Is(err, models.ErrNotFound):
		return NotFound("product not found")
	case errors.Is(err, database.ErrDuplicateProduct):
		return Conflict("DUPLICATE_PRODUCT", "product is already tracked")
	case errors.Is(err, monitor.ErrCheckInProgress):
		return Conflict("CHECK_IN_PROGRESS", "a check of this product is already running")
	case errors.Is(err, monitor.ErrKillSwitchActive):
		return Conflict("KILL_SWITCH_ACTIVE", "kill switch is on")
	case errors.Is(err, monitor.ErrProductDisabled):
		return Conflict("PRODUCT_DISABLED", "product is disabled or inactive")
	case errors.Is(err, models.ErrPersistenceUnavailable):
		return Unavailable("persistence unavailable")
	}
	return InternalError("")
}
