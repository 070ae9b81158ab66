// Package service implements the execution gateway: request validation, problem
// resolution, fan-out to the test runner and response shaping.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"codesandbox/internal/execution/problemclient"
	"codesandbox/internal/execution/repository"
	"codesandbox/internal/sandbox"
	"codesandbox/internal/sandbox/observer"
	"codesandbox/internal/sandbox/result"
	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/logger"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	defaultMaxCodeBytes   = 64 * 1024
	defaultMaxInputBytes  = 1024
	defaultMaxTestCases   = 50
	defaultMinTimeLimitMs = 100
	defaultMaxTimeLimitMs = 30000
	defaultTimeLimitMs    = 5000
)

// Limits bounds what a single request may ask for.
type Limits struct {
	MaxCodeBytes       int `yaml:"maxCodeBytes" json:"maxCodeBytes"`
	MaxInputBytes      int `yaml:"maxInputBytes" json:"maxInputBytes"`
	MaxTestCases       int `yaml:"maxTestCases" json:"maxTestCases"`
	MinTimeLimitMs     int `yaml:"minTimeLimitMs" json:"minTimeLimitMs"`
	MaxTimeLimitMs     int `yaml:"maxTimeLimitMs" json:"maxTimeLimitMs"`
	DefaultTimeLimitMs int `yaml:"defaultTimeLimitMs" json:"defaultTimeLimitMs"`
}

// WithDefaults fills unset limits.
func (l Limits) WithDefaults() Limits {
	if l.MaxCodeBytes <= 0 {
		l.MaxCodeBytes = defaultMaxCodeBytes
	}
	if l.MaxInputBytes <= 0 {
		l.MaxInputBytes = defaultMaxInputBytes
	}
	if l.MaxTestCases <= 0 {
		l.MaxTestCases = defaultMaxTestCases
	}
	if l.MinTimeLimitMs <= 0 {
		l.MinTimeLimitMs = defaultMinTimeLimitMs
	}
	if l.MaxTimeLimitMs <= 0 {
		l.MaxTimeLimitMs = defaultMaxTimeLimitMs
	}
	if l.MaxTimeLimitMs < l.MinTimeLimitMs {
		l.MaxTimeLimitMs = l.MinTimeLimitMs
	}
	if l.DefaultTimeLimitMs <= 0 {
		l.DefaultTimeLimitMs = defaultTimeLimitMs
	}
	l.DefaultTimeLimitMs = clamp(l.DefaultTimeLimitMs, l.MinTimeLimitMs, l.MaxTimeLimitMs)
	return l
}

// Judge runs a submission against its test cases. *sandbox.Worker satisfies it.
type Judge interface {
	RunAll(ctx context.Context, req sandbox.RunAllRequest) result.SubmissionVerdict
}

// WorkspaceSweeper removes stale artifacts. *workspace.Manager satisfies it.
type WorkspaceSweeper interface {
	Cleanup(ctx context.Context) int
}

// LanguageSet reports which languages are accepted. *language.Registry satisfies it.
type LanguageSet interface {
	IsSupported(name string) bool
	Supported() []string
}

// Config holds execution service dependencies and settings.
type Config struct {
	Judge     Judge
	Workspace WorkspaceSweeper
	Languages LanguageSet
	// Problems is optional; without it requests naming a problemId fail.
	Problems repository.ProblemRepository
	Metrics  observer.MetricsRecorder
	Backend  string
	Limits   Limits
}

// ExecutionService handles execute and run-problem requests.
type ExecutionService struct {
	judge     Judge
	workspace WorkspaceSweeper
	languages LanguageSet
	problems  repository.ProblemRepository
	metrics   observer.MetricsRecorder
	backend   string
	limits    Limits
	validator *validator.Validate
}

// ExecuteRequest is the wire body of POST /api/execute.
// TestCases stays raw so that its shape can be reported entry by entry.
type ExecuteRequest struct {
	Code      string          `json:"code"`
	Language  string          `json:"language"`
	Input     string          `json:"input"`
	TestCases json.RawMessage `json:"testCases"`
	ProblemID ProblemID       `json:"problemId"`
	TimeLimit *int            `json:"timeLimit"`
}

// ProblemID accepts either a JSON string or a JSON number.
type ProblemID string

func (p *ProblemID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = ProblemID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("problemId must be a string or a number")
	}
	*p = ProblemID(n.String())
	return nil
}

// CaseResult is one test case as reported to callers.
// Input, ExpectedOutput, ActualOutput, Stderr and Error are omitted for hidden cases.
type CaseResult struct {
	TestCaseNumber int           `json:"testCaseNumber"`
	Status         result.Status `json:"status"`
	Passed         bool          `json:"passed"`
	IsHidden       bool          `json:"isHidden"`
	Input          *string       `json:"input,omitempty"`
	ExpectedOutput *string       `json:"expectedOutput,omitempty"`
	ActualOutput   *string       `json:"actualOutput,omitempty"`
	Stderr         *string       `json:"stderr,omitempty"`
	Error          string        `json:"error,omitempty"`
	RuntimeMs      int64         `json:"runtimeMs"`
	MemoryKB       int64         `json:"memoryKB"`
	ExitCode       *int          `json:"exitCode,omitempty"`
}

// Summary aggregates a verdict.
type Summary struct {
	TotalTests  int  `json:"totalTests"`
	PassedTests int  `json:"passedTests"`
	FailedTests int  `json:"failedTests"`
	AllPassed   bool `json:"allPassed"`
}

// ExecuteOutput is the data payload of a successful execute response.
type ExecuteOutput struct {
	ProblemID string       `json:"problemId,omitempty"`
	Results   []CaseResult `json:"results"`
	Summary   Summary      `json:"summary"`
}

// HealthInfo describes the running service.
type HealthInfo struct {
	Status    string   `json:"status"`
	Backend   string   `json:"backend"`
	Languages []string `json:"languages"`
	Limits    Limits   `json:"limits"`
	Time      string   `json:"time"`
}

// NewExecutionService creates a new execution service.
func NewExecutionService(cfg Config) (*ExecutionService, error) {
	if cfg.Judge == nil {
		return nil, fmt.Errorf("judge is required")
	}
	if cfg.Workspace == nil {
		return nil, fmt.Errorf("workspace is required")
	}
	if cfg.Languages == nil {
		return nil, fmt.Errorf("language set is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observer.Noop{}
	}
	s := &ExecutionService{
		judge:     cfg.Judge,
		workspace: cfg.Workspace,
		languages: cfg.Languages,
		problems:  cfg.Problems,
		metrics:   cfg.Metrics,
		backend:   cfg.Backend,
		limits:    cfg.Limits.WithDefaults(),
	}
	s.validator = s.newValidator()
	return s, nil
}

// Execute validates the request, resolves its test cases and judges the code.
// A workspace sweep runs before returning on every path, panics included.
func (s *ExecutionService) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteOutput, error) {
	defer s.Sweep(ctx, "request")

	cases, violations := s.validate(req)
	if len(violations) > 0 {
		return nil, appErr.ValidationErrors(violations)
	}

	timeLimit := s.limits.DefaultTimeLimitMs
	if req.TimeLimit != nil {
		timeLimit = *req.TimeLimit
	}

	problemID := string(req.ProblemID)
	if len(cases) == 0 && problemID != "" {
		problem, err := s.lookupProblem(ctx, problemID)
		if err != nil {
			return nil, err
		}
		cases = problem.TestCases
		if req.TimeLimit == nil && problem.TimeLimitMs > 0 {
			timeLimit = clamp(problem.TimeLimitMs, s.limits.MinTimeLimitMs, s.limits.MaxTimeLimitMs)
		}
	}

	verdict := s.judge.RunAll(ctx, sandbox.RunAllRequest{
		Language:    req.Language,
		Code:        req.Code,
		Stdin:       req.Input,
		TimeLimitMs: int64(timeLimit),
		TestCases:   cases,
	})

	return &ExecuteOutput{
		ProblemID: problemID,
		Results:   redact(verdict.Results),
		Summary: Summary{
			TotalTests:  verdict.TotalTests,
			PassedTests: verdict.PassedTests,
			FailedTests: verdict.FailedTests(),
			AllPassed:   verdict.AllPassed,
		},
	}, nil
}

// Cleanup runs an on-demand workspace sweep and returns the number of files removed.
func (s *ExecutionService) Cleanup(ctx context.Context) int {
	removed := s.workspace.Cleanup(ctx)
	s.metrics.ObserveCleanup(ctx, "manual", removed)
	logger.Info(ctx, "manual workspace cleanup", zap.Int("removed", removed))
	return removed
}

// Health reports the backend, enabled languages and request limits.
func (s *ExecutionService) Health() HealthInfo {
	return HealthInfo{
		Status:    "ok",
		Backend:   s.backend,
		Languages: s.languages.Supported(),
		Limits:    s.limits,
		Time:      time.Now().UTC().Format(time.RFC3339),
	}
}

func (s *ExecutionService) lookupProblem(ctx context.Context, problemID string) (*problemclient.Problem, error) {
	if s.problems == nil {
		return nil, appErr.New(appErr.ProblemLookupFailed).WithMessage("problem catalog is not configured")
	}
	p, err := s.problems.GetProblem(ctx, problemID)
	if err != nil {
		logger.Warn(ctx, "problem lookup failed", zap.String("problem_id", problemID), zap.Error(err))
		return nil, err
	}
	if len(p.TestCases) == 0 {
		return nil, appErr.New(appErr.TestCaseNotFound)
	}
	return p, nil
}

// Sweep removes stale workspace artifacts, detached from ctx cancellation.
func (s *ExecutionService) Sweep(ctx context.Context, trigger string) {
	ctx = context.WithoutCancel(ctx)
	removed := s.workspace.Cleanup(ctx)
	s.metrics.ObserveCleanup(ctx, trigger, removed)
	if removed > 0 {
		logger.Debug(ctx, "workspace swept", zap.String("trigger", trigger), zap.Int("removed", removed))
	}
}

func redact(results []result.TestCaseResult) []CaseResult {
	out := make([]CaseResult, len(results))
	for i, r := range results {
		cr := CaseResult{
			TestCaseNumber: r.TestCaseNumber,
			Status:         r.Status,
			Passed:         r.Passed,
			IsHidden:       r.IsHidden,
			RuntimeMs:      r.RuntimeMs,
			MemoryKB:       r.MemoryKB,
			ExitCode:       r.ExitCode,
		}
		if !r.IsHidden {
			cr.Input = strPtr(r.Input)
			cr.ExpectedOutput = strPtr(r.ExpectedOutput)
			cr.ActualOutput = strPtr(r.Stdout)
			cr.Stderr = strPtr(r.Stderr)
			cr.Error = r.Error
		}
		out[i] = cr
	}
	return out
}

func strPtr(s string) *string {
	return &s
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
