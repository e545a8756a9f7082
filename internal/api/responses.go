package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/apiguard/internal/middleware"
	"github.com/NikhilSetiya/apiguard/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	return c.GetString(middleware.ContextRequestID)
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ErrorResponseFromError sends an error response based on the error type
func ErrorResponseFromError(c *gin.Context, err error) {
	appErr, ok := errors.AsAppError(err)
	if !ok {
		writeError(c, http.StatusInternalServerError, &APIError{
			Code:    "UNKNOWN_ERROR",
			Message: "An unknown error occurred",
		})
		return
	}

	var statusCode int
	switch appErr.Type {
	case errors.ErrorTypeValidation, errors.ErrorTypeClient:
		statusCode = http.StatusBadRequest
	case errors.ErrorTypeRateLimit:
		statusCode = http.StatusTooManyRequests
	case errors.ErrorTypeCircuitOpen:
		statusCode = http.StatusServiceUnavailable
	case errors.ErrorTypeTransport, errors.ErrorTypeServer, errors.ErrorTypeTimeout:
		statusCode = http.StatusBadGateway
	default:
		statusCode = http.StatusInternalServerError
	}

	writeError(c, statusCode, &APIError{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	})
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	writeError(c, http.StatusBadRequest, &APIError{Code: "BAD_REQUEST", Message: message})
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	writeError(c, http.StatusNotFound, &APIError{Code: "NOT_FOUND", Message: message})
}

func writeError(c *gin.Context, statusCode int, apiErr *APIError) {
	c.AbortWithStatusJSON(statusCode, APIResponse{
		Success:   false,
		Error:     apiErr,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}
