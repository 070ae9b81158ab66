package problemclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/contextkey"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", Timeout: time.Second, MaxRetries: 2})
}

func TestGetProblemBareAndWrapped(t *testing.T) {
	payloads := map[string]string{
		"bare":    `{"title":"Sum","difficulty":"easy","timeLimit":2000,"testCases":[{"input":"1 2","expectedOutput":"3"},{"input":"5 5","expectedOutput":"10","isHidden":true}]}`,
		"wrapped": `{"success":true,"data":{"title":"Sum","difficulty":"easy","timeLimit":2000,"testCases":[{"input":"1 2","expectedOutput":"3"},{"input":"5 5","expectedOutput":"10","isHidden":true}]}}`,
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/problems/p-1" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				if r.Header.Get("X-Request-Id") != "req-1" {
					t.Errorf("request id not forwarded")
				}
				_, _ = w.Write([]byte(payload))
			})
			ctx := context.WithValue(context.Background(), contextkey.RequestID, "req-1")
			problem, err := client.GetProblem(ctx, "p-1")
			if err != nil {
				t.Fatalf("get problem: %v", err)
			}
			if problem.ID != "p-1" || problem.Title != "Sum" || problem.TimeLimitMs != 2000 {
				t.Fatalf("unexpected problem: %+v", problem)
			}
			if len(problem.TestCases) != 2 || !problem.TestCases[1].IsHidden || problem.TestCases[0].ExpectedOutput != "3" {
				t.Fatalf("unexpected test cases: %+v", problem.TestCases)
			}
		})
	}
}

func TestGetProblemNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	})
	_, err := client.GetProblem(context.Background(), "missing")
	if !appErr.Is(err, appErr.ProblemNotFound) {
		t.Fatalf("expected ProblemNotFound, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("404 must not be retried, got %d calls", calls.Load())
	}
}

func TestGetProblemWithoutTestCases(t *testing.T) {
	for name, payload := range map[string]string{
		"absent": `{"title":"Sum"}`,
		"null":   `{"data":{"title":"Sum","testCases":null}}`,
		"empty":  `{"title":"Sum","testCases":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(payload))
			})
			_, err := client.GetProblem(context.Background(), "p")
			if !appErr.Is(err, appErr.TestCaseNotFound) {
				t.Fatalf("expected TestCaseNotFound, got %v", err)
			}
			if appErr.GetCode(err).HTTPStatus() != http.StatusNotFound {
				t.Fatalf("missing test cases should map to 404")
			}
		})
	}
}

func TestGetProblemRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"title":"T","testCases":[{"input":"","expectedOutput":"ok"}]}`))
	})
	problem, err := client.GetProblem(context.Background(), "p")
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if calls.Load() != 2 || problem.TestCases[0].ExpectedOutput != "ok" {
		t.Fatalf("unexpected result after %d calls: %+v", calls.Load(), problem)
	}
}

func TestGetProblemLookupFailures(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := client.GetProblem(context.Background(), "p")
	if !appErr.Is(err, appErr.ProblemLookupFailed) {
		t.Fatalf("expected ProblemLookupFailed, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected initial call plus 2 retries, got %d", calls.Load())
	}

	garbage := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[1,2]`))
	})
	if _, err := garbage.GetProblem(context.Background(), "p"); !appErr.Is(err, appErr.ProblemPayloadInvalid) {
		t.Fatalf("expected ProblemPayloadInvalid, got %v", err)
	}

	unconfigured := New(Config{})
	if _, err := unconfigured.GetProblem(context.Background(), "p"); !appErr.Is(err, appErr.ProblemLookupFailed) {
		t.Fatalf("expected ProblemLookupFailed without base url, got %v", err)
	}
}
