package response

import (
	"net/http"

	"codesandbox/pkg/errors"
	"codesandbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response represents a standard API response
type Response struct {
	Code      errors.ErrorCode `json:"code"`                 // Error code
	Message   string           `json:"message"`              // Human readable message
	Data      interface{}      `json:"data,omitempty"`       // Response data (omit if nil)
	Error     string           `json:"error,omitempty"`      // Error text, set on failures only
	Details   interface{}      `json:"details,omitempty"`    // Additional details (omit if nil)
	TraceID   string           `json:"trace_id,omitempty"`   // Request trace ID
	RequestID string           `json:"request_id,omitempty"` // Request correlation ID
}

// Success sends a successful response with data
func Success(c *gin.Context, data interface{}) {
	resp := Response{
		Code:      errors.Success,
		Message:   "Success",
		Data:      data,
		TraceID:   getString(c, "trace_id"),
		RequestID: getString(c, "request_id"),
	}
	c.JSON(http.StatusOK, resp)
}

// SuccessWithMessage sends a successful response with custom message
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	resp := Response{
		Code:      errors.Success,
		Message:   message,
		Data:      data,
		TraceID:   getString(c, "trace_id"),
		RequestID: getString(c, "request_id"),
	}
	c.JSON(http.StatusOK, resp)
}

// Error sends an error response
// It automatically extracts error code and message from the error
func Error(c *gin.Context, err error) {
	customErr := errors.GetError(err)
	status := customErr.Code.HTTPStatus()

	fields := []zap.Field{
		zap.Int("code", int(customErr.Code)),
		zap.String("message", customErr.Error()),
		zap.Any("details", customErr.Details),
	}
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request error", append(fields, zap.String("stack", customErr.Stack))...)
	} else {
		logger.Warn(c.Request.Context(), "request rejected", fields...)
	}

	resp := Response{
		Code:      customErr.Code,
		Message:   customErr.Code.Message(),
		Error:     customErr.Error(),
		TraceID:   getString(c, "trace_id"),
		RequestID: getString(c, "request_id"),
	}
	if len(customErr.Details) > 0 {
		resp.Details = customErr.Details
	}

	c.JSON(status, resp)
}

// AbortWithError aborts the request and sends error response
func AbortWithError(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}

func getString(c *gin.Context, key string) string {
	if value, exists := c.Get(key); exists {
		if s, ok := value.(string); ok {
			return s
		}
	}
	return ""
}
