// Package problemclient fetches problem definitions from the main application server.
package problemclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"codesandbox/internal/sandbox/result"
	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/contextkey"
	"codesandbox/pkg/utils/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultMaxRetries = 2
	maxBodyBytes      = 8 << 20
)

// Problem is the subset of a catalog problem the sandbox consumes.
type Problem struct {
	ID          string            `json:"id,omitempty"`
	Title       string            `json:"title"`
	Difficulty  string            `json:"difficulty,omitempty"`
	TimeLimitMs int               `json:"timeLimit,omitempty"`
	TestCases   []result.TestCase `json:"testCases"`
}

// Config configures the catalog client.
type Config struct {
	BaseURL    string        `yaml:"baseUrl"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"maxRetries"`
}

// Client calls GET {baseURL}/api/problems/:id.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultMaxRetries
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: uint64(retries),
	}
}

// GetProblem returns the problem or a coded error:
// ProblemNotFound for 404, TestCaseNotFound when the payload has no testCases,
// ProblemLookupFailed for anything else.
func (c *Client) GetProblem(ctx context.Context, problemID string) (*Problem, error) {
	if c.baseURL == "" {
		return nil, appErr.New(appErr.ProblemLookupFailed).WithMessage("problem catalog url is not configured")
	}
	endpoint := fmt.Sprintf("%s/api/problems/%s", c.baseURL, url.PathEscape(problemID))

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		data, err := c.fetch(ctx, endpoint)
		if err != nil {
			if appErr.Is(err, appErr.ProblemNotFound) {
				return backoff.Permanent(err)
			}
			logger.Warn(ctx, "problem lookup attempt failed",
				zap.String("problem_id", problemID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		body = data
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if appErr.Is(err, appErr.ProblemNotFound) {
			return nil, err
		}
		return nil, appErr.Wrapf(err, appErr.ProblemLookupFailed, "fetch problem %s failed", problemID)
	}

	problem, err := decodeProblem(body)
	if err != nil {
		return nil, err
	}
	if problem.ID == "" {
		problem.ID = problemID
	}
	return problem, nil
}

func (c *Client) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request failed: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if requestID, ok := ctx.Value(contextkey.RequestID).(string); ok && requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body failed: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, appErr.New(appErr.ProblemNotFound)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("catalog returned status %d", resp.StatusCode))
	}
	return data, nil
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}

// decodeProblem accepts either a bare problem object or one wrapped as {"data": {...}}.
func decodeProblem(body []byte) (*Problem, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, appErr.Wrapf(err, appErr.ProblemPayloadInvalid, "problem payload is not a JSON object")
	}
	payload := body
	if _, direct := envelope["testCases"]; !direct {
		if inner, ok := envelope["data"]; ok && len(bytes.TrimSpace(inner)) > 0 && inner[0] == '{' {
			payload = inner
			envelope = nil
			_ = json.Unmarshal(inner, &envelope)
		}
	}
	raw, ok := envelope["testCases"]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, appErr.New(appErr.TestCaseNotFound)
	}

	var problem Problem
	if err := json.Unmarshal(payload, &problem); err != nil {
		return nil, appErr.Wrapf(err, appErr.ProblemPayloadInvalid, "problem payload is malformed")
	}
	if len(problem.TestCases) == 0 {
		return nil, appErr.New(appErr.TestCaseNotFound)
	}
	return &problem, nil
}
