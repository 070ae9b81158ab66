package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

type envelope struct {
	Code      int                    `json:"code"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error"`
	Data      map[string]interface{} `json:"data"`
	Details   map[string]interface{} `json:"details"`
	TraceID   string                 `json:"trace_id"`
	RequestID string                 `json:"request_id"`
}

func serve(t *testing.T, handler gin.HandlerFunc) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/x", func(c *gin.Context) {
		c.Set("trace_id", "trace-9")
		c.Set("request_id", "req-9")
		handler(c)
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	var body envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return rec, body
}

func TestSuccessEnvelope(t *testing.T) {
	rec, body := serve(t, func(c *gin.Context) {
		response.Success(c, map[string]int{"removed": 3})
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if body.Code != int(appErr.Success) || body.Data["removed"] != float64(3) {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.TraceID != "trace-9" || body.RequestID != "req-9" {
		t.Fatalf("expected correlation ids, got %+v", body)
	}
	if body.Error != "" {
		t.Fatalf("success must not carry an error field")
	}
}

func TestErrorEnvelopeCarriesDetails(t *testing.T) {
	rec, body := serve(t, func(c *gin.Context) {
		response.Error(c, appErr.ValidationErrors([]appErr.Violation{{Field: "code", Reason: "required"}}))
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if body.Error == "" || body.Details["violations"] == nil {
		t.Fatalf("expected error text and violations, got %+v", body)
	}
	if body.RequestID != "req-9" {
		t.Fatalf("expected request id in error envelope")
	}
}

func TestPlainErrorBecomesInternal(t *testing.T) {
	rec, body := serve(t, func(c *gin.Context) {
		response.Error(c, http.ErrHandlerTimeout)
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if body.Code != int(appErr.InternalServerError) {
		t.Fatalf("unexpected code: %d", body.Code)
	}
}
