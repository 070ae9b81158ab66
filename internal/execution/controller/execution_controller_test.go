package controller

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"codesandbox/internal/execution/service"
	"codesandbox/internal/sandbox"
	"codesandbox/internal/sandbox/result"
	appErr "codesandbox/pkg/errors"

	"github.com/gin-gonic/gin"
)

type stubJudge struct {
	panics bool
}

func (s stubJudge) RunAll(ctx context.Context, req sandbox.RunAllRequest) result.SubmissionVerdict {
	if s.panics {
		panic("engine exploded")
	}
	cases := req.TestCases
	if len(cases) == 0 {
		cases = []result.TestCase{{Input: req.Stdin}}
	}
	v := result.SubmissionVerdict{TotalTests: len(cases)}
	for i, tc := range cases {
		passed := tc.ExpectedOutput == "ok"
		status := result.StatusSuccess
		if !passed {
			status = result.StatusFailed
		}
		v.Results = append(v.Results, result.TestCaseResult{
			ExecutionResult: result.ExecutionResult{Status: status, Stdout: "ok\n"},
			TestCaseNumber:  i + 1,
			Passed:          passed,
			Input:           tc.Input,
			ExpectedOutput:  tc.ExpectedOutput,
			IsHidden:        tc.IsHidden,
		})
		if passed {
			v.PassedTests++
		}
	}
	v.AllPassed = v.PassedTests == v.TotalTests
	return v
}

type countingWorkspace struct {
	calls atomic.Int32
}

func (c *countingWorkspace) Cleanup(ctx context.Context) int {
	c.calls.Add(1)
	return 3
}

type stubLanguages struct{}

func (stubLanguages) IsSupported(name string) bool { return name == "python" }
func (stubLanguages) Supported() []string          { return []string{"python"} }

type envelope struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
	Details   json.RawMessage `json:"details"`
	RequestID string          `json:"request_id"`
}

func newHandler(t *testing.T, judge stubJudge, opts RouterOptions) (http.Handler, *countingWorkspace) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ws := &countingWorkspace{}
	svc, err := service.NewExecutionService(service.Config{
		Judge:     judge,
		Workspace: ws,
		Languages: stubLanguages{},
		Backend:   "docker",
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return NewHandler(svc, opts), ws
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, env
}

func TestExecuteEndpoints(t *testing.T) {
	h, ws := newHandler(t, stubJudge{}, RouterOptions{})
	body := `{"code":"print('ok')","language":"python","testCases":[
		{"input":"1","expectedOutput":"ok"},
		{"input":"2","expectedOutput":"nope","isHidden":true}
	]}`

	for _, path := range []string{"/api/execute", "/api/problems/run"} {
		rec, env := do(t, h, http.MethodPost, path, body)
		if rec.Code != http.StatusOK || env.Code != int(appErr.Success) {
			t.Fatalf("%s: unexpected response %d %+v", path, rec.Code, env)
		}
		var data service.ExecuteOutput
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("decode data: %v", err)
		}
		want := service.Summary{TotalTests: 2, PassedTests: 1, FailedTests: 1, AllPassed: false}
		if data.Summary != want {
			t.Fatalf("unexpected summary: %+v", data.Summary)
		}
		if data.Results[1].Input != nil || data.Results[1].Status != result.StatusFailed {
			t.Fatalf("hidden case not redacted: %+v", data.Results[1])
		}
	}
	if ws.calls.Load() != 2 {
		t.Fatalf("expected one sweep per request, got %d", ws.calls.Load())
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	h, ws := newHandler(t, stubJudge{}, RouterOptions{})
	rec, env := do(t, h, http.MethodPost, "/api/execute", `{"language":"ruby","testCases":[{"input":1}]}`)
	if rec.Code != http.StatusBadRequest || env.Code != int(appErr.ValidationFailed) {
		t.Fatalf("unexpected response %d %+v", rec.Code, env)
	}
	var details struct {
		Violations []appErr.Violation `json:"violations"`
	}
	if err := json.Unmarshal(env.Details, &details); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	if len(details.Violations) != 4 {
		t.Fatalf("expected code, language, input and expectedOutput violations, got %+v", details.Violations)
	}
	if env.RequestID == "" || rec.Header().Get("X-Request-Id") != env.RequestID {
		t.Fatalf("request id missing from error envelope")
	}
	if ws.calls.Load() != 1 {
		t.Fatalf("cleanup must run for rejected requests")
	}
}

func TestExecuteMalformedBody(t *testing.T) {
	h, ws := newHandler(t, stubJudge{}, RouterOptions{MaxBodyBytes: 64})
	cases := []struct {
		name string
		body string
		code appErr.ErrorCode
	}{
		{"not json", `{"code":`, appErr.ValidationFailed},
		{"wrong type", `{"code": 12, "language": "python"}`, appErr.ValidationFailed},
		{"too large", `{"code":"` + strings.Repeat("x", 200) + `","language":"python"}`, appErr.CodeTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, env := do(t, h, http.MethodPost, "/api/execute", tc.body)
			if rec.Code != http.StatusBadRequest || env.Code != int(tc.code) {
				t.Fatalf("unexpected response %d %+v", rec.Code, env)
			}
		})
	}
	if ws.calls.Load() != int32(len(cases)) {
		t.Fatalf("expected a sweep for each rejected body, got %d", ws.calls.Load())
	}
}

func TestExecutePanicReturnsEnvelope(t *testing.T) {
	h, ws := newHandler(t, stubJudge{panics: true}, RouterOptions{})
	rec, env := do(t, h, http.MethodPost, "/api/execute", `{"code":"x","language":"python"}`)
	if rec.Code != http.StatusInternalServerError || env.Code != int(appErr.InternalServerError) {
		t.Fatalf("unexpected response %d %+v", rec.Code, env)
	}
	if strings.Contains(env.Error, "exploded") {
		t.Fatalf("panic value leaked to the caller: %s", env.Error)
	}
	if env.RequestID == "" {
		t.Fatalf("expected request id")
	}
	// Once while the service unwinds and once from the recovery hook.
	if ws.calls.Load() != 2 {
		t.Fatalf("expected 2 sweeps, got %d", ws.calls.Load())
	}
}

func TestHealthCleanupAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "codesandbox_runs_total 1\n")
	})
	h, _ := newHandler(t, stubJudge{}, RouterOptions{Metrics: metrics})

	rec, env := do(t, h, http.MethodGet, "/health", "")
	var health service.HealthInfo
	if err := json.Unmarshal(env.Data, &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if rec.Code != http.StatusOK || health.Backend != "docker" || health.Languages[0] != "python" || health.Limits.MaxCodeBytes != 64*1024 {
		t.Fatalf("unexpected health: %+v", health)
	}

	_, env = do(t, h, http.MethodPost, "/api/cleanup", "")
	var cleanup CleanupResponse
	if err := json.Unmarshal(env.Data, &cleanup); err != nil || cleanup.Removed != 3 {
		t.Fatalf("unexpected cleanup response: %s", env.Data)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	if !strings.Contains(out.Body.String(), "codesandbox_runs_total") {
		t.Fatalf("metrics not served: %q", out.Body.String())
	}
}

func TestResponsesAreCompressed(t *testing.T) {
	h, _ := newHandler(t, stubJudge{}, RouterOptions{})
	code := strings.Repeat("print('ok')\n", 200)
	body, _ := json.Marshal(map[string]interface{}{
		"code":      code,
		"language":  "python",
		"testCases": []map[string]string{{"input": strings.Repeat("a", 1000), "expectedOutput": "ok"}, {"input": strings.Repeat("b", 1000), "expectedOutput": "ok"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/execute", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip response, headers %v", rec.Header())
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	plain, _ := io.ReadAll(zr)
	if !bytes.Contains(plain, []byte(`"allPassed":true`)) {
		t.Fatalf("unexpected body: %s", plain)
	}
}
