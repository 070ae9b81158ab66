// Package result defines sandbox execution results and submission verdicts.
package result

import "time"

// Status is the outcome of one execution attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// RunResult captures raw sandbox execution data reported by an engine.
type RunResult struct {
	ExitCode   int
	TimeMs     int64
	WallTimeMs int64
	MemoryKB   int64
	Stdout     string
	Stderr     string
	TimedOut   bool
	OomKilled  bool
}

// Attempt records one execution attempt. It owns every workspace file named after SessionID.
type Attempt struct {
	SessionID     string
	WorkspacePath string
	Command       []string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// ExecutionResult is the per-test outcome of running a program once.
// StatusTimeout implies the process was killed and RuntimeMs equals the limit.
type ExecutionResult struct {
	Status    Status `json:"status"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	Error     string `json:"error,omitempty"`
	RuntimeMs int64  `json:"runtimeMs"`
	MemoryKB  int64  `json:"memoryKB"`
	ExitCode  *int   `json:"exitCode,omitempty"`
}

// TestCase is one input/expected-output pair.
type TestCase struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	IsHidden       bool   `json:"isHidden"`
}

// TestCaseResult is an ExecutionResult annotated with its test case.
type TestCaseResult struct {
	ExecutionResult
	TestCaseNumber int    `json:"testCaseNumber"`
	Passed         bool   `json:"passed"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	IsHidden       bool   `json:"isHidden"`
}

// SubmissionVerdict aggregates per-test results in input order.
type SubmissionVerdict struct {
	Results     []TestCaseResult `json:"results"`
	TotalTests  int              `json:"totalTests"`
	PassedTests int              `json:"passedTests"`
	AllPassed   bool             `json:"allPassed"`
}

// FailedTests returns the number of results that did not pass.
func (v SubmissionVerdict) FailedTests() int {
	return v.TotalTests - v.PassedTests
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
