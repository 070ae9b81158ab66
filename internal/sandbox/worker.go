// Package sandbox runs a submission against its test cases and aggregates the verdict.
package sandbox

import (
	"context"

	"codesandbox/internal/sandbox/executor"
	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/workspace"
	"codesandbox/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

// Runner executes one attempt. *executor.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, req executor.Request) result.ExecutionResult
}

// RunAllRequest is one submission with its test cases.
type RunAllRequest struct {
	Language    string
	Code        string
	Stdin       string
	TimeLimitMs int64
	TestCases   []result.TestCase
}

// Worker fans test cases out to a Runner with bounded concurrency.
type Worker struct {
	runner      Runner
	concurrency int
}

// NewWorker creates a worker. A non-positive concurrency uses the default.
func NewWorker(runner Runner, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Worker{runner: runner, concurrency: concurrency}
}

// RunAll executes every test case and returns results in input order.
// With no test cases a single synthetic case is run with the request stdin and
// an empty expected output. A failing case never stops the others.
func (w *Worker) RunAll(ctx context.Context, req RunAllRequest) result.SubmissionVerdict {
	cases := req.TestCases
	if len(cases) == 0 {
		cases = []result.TestCase{{Input: req.Stdin}}
	}
	sessionIDs := workspace.NewSessionIDs(len(cases))
	results := make([]result.TestCaseResult, len(cases))

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for i, tc := range cases {
		g.Go(func() error {
			res := w.runner.Run(ctx, executor.Request{
				Language:    req.Language,
				Code:        req.Code,
				Stdin:       tc.Input,
				TimeLimitMs: req.TimeLimitMs,
				SessionID:   sessionIDs[i],
			})
			results[i] = judge(i, tc, res)
			return nil
		})
	}
	_ = g.Wait()

	verdict := result.SubmissionVerdict{Results: results, TotalTests: len(results)}
	for _, r := range results {
		if r.Passed {
			verdict.PassedTests++
		}
	}
	verdict.AllPassed = verdict.PassedTests == verdict.TotalTests
	logger.Info(ctx, "submission judged",
		zap.String("language", req.Language),
		zap.Int("total", verdict.TotalTests),
		zap.Int("passed", verdict.PassedTests))
	return verdict
}

func judge(index int, tc result.TestCase, res result.ExecutionResult) result.TestCaseResult {
	passed := res.Status == result.StatusSuccess && OutputsMatch(res.Stdout, tc.ExpectedOutput)
	if res.Status == result.StatusSuccess && !passed {
		res.Status = result.StatusFailed
	}
	return result.TestCaseResult{
		ExecutionResult: res,
		TestCaseNumber:  index + 1,
		Passed:          passed,
		Input:           tc.Input,
		ExpectedOutput:  tc.ExpectedOutput,
		IsHidden:        tc.IsHidden,
	}
}
