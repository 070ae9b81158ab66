package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	"codesandbox/internal/execution/service"
	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const defaultMaxBodyBytes = 1 << 20

// ExecutionController handles code execution HTTP endpoints.
type ExecutionController struct {
	executionService *service.ExecutionService
	maxBodyBytes     int64
}

// NewExecutionController creates a new ExecutionController.
func NewExecutionController(executionService *service.ExecutionService, maxBodyBytes int64) *ExecutionController {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &ExecutionController{executionService: executionService, maxBodyBytes: maxBodyBytes}
}

// Execute handles POST /api/execute and POST /api/problems/run.
func (h *ExecutionController) Execute(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)

	var req service.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// The service still owes the request its sweep.
		h.executionService.Sweep(c.Request.Context(), "request")
		response.Error(c, bindError(err))
		return
	}

	out, err := h.executionService.Execute(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, out)
}

// Health handles GET /health.
func (h *ExecutionController) Health(c *gin.Context) {
	response.Success(c, h.executionService.Health())
}

// Cleanup handles POST /api/cleanup.
func (h *ExecutionController) Cleanup(c *gin.Context) {
	removed := h.executionService.Cleanup(c.Request.Context())
	response.SuccessWithMessage(c, "Cleanup completed", CleanupResponse{Removed: removed})
}

// CleanupResponse defines the cleanup response payload.
type CleanupResponse struct {
	Removed int `json:"removed"`
}

func bindError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return appErr.Newf(appErr.CodeTooLarge, "request body exceeds %d bytes", tooLarge.Limit)
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return appErr.ValidationErrors([]appErr.Violation{{
			Field:  typeErr.Field,
			Reason: "must be a " + jsonKind(typeErr.Type.Kind().String()),
		}})
	}
	return appErr.ValidationErrors([]appErr.Violation{{Field: "body", Reason: "must be a JSON object: " + err.Error()}})
}

func jsonKind(kind string) string {
	switch kind {
	case "string":
		return "string"
	case "bool":
		return "boolean"
	case "int", "int64", "int32", "float64":
		return "number"
	default:
		return kind
	}
}
