package api

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Error codes surfaced to clients.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeRateLimited  = "RATE_LIMITED"
	CodeInternal     = "INTERNAL_ERROR"
)

// apiError is the wire format of every error response:
// {error, message, requestId, code?, details?}. Security events never leak
// stack traces through this shape.
type apiError struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
	Code      string `json:"code,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// fail writes an error response.
func fail(c *gin.Context, status int, code, errorText, message string, details any) {
	c.AbortWithStatusJSON(status, apiError{
		Error:     errorText,
		Message:   message,
		RequestID: requestID(c),
		Code:      code,
		Details:   details,
	})
}

func badRequest(c *gin.Context, message string, details any) {
	fail(c, 400, CodeValidation, "Bad Request", message, details)
}

func unauthorized(c *gin.Context, message string) {
	fail(c, 401, CodeUnauthorized, "Unauthorized", message, nil)
}

func forbidden(c *gin.Context, message string) {
	fail(c, 403, CodeForbidden, "Forbidden", message, nil)
}

func notFound(c *gin.Context, message string) {
	fail(c, 404, CodeNotFound, "Not Found", message, nil)
}

func conflict(c *gin.Context, message string) {
	fail(c, 409, CodeConflict, "Conflict", message, nil)
}

func internalError(c *gin.Context, message string) {
	fail(c, 500, CodeInternal, "Internal Server Error", message, nil)
}

// requestID returns the request's correlation identifier.
func requestID(c *gin.Context) string {
	if id, exists := c.Get("request_id"); exists {
		if str, ok := id.(string); ok {
			return str
		}
	}
	return uuid.New().String()
}
