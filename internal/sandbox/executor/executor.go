// Package executor runs one program attempt: it prepares the workspace, compiles
// when the language needs it, runs the program under limits and maps the outcome
// to a result.ExecutionResult.
package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"codesandbox/internal/sandbox/engine"
	"codesandbox/internal/sandbox/language"
	"codesandbox/internal/sandbox/observer"
	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/spec"
	"codesandbox/internal/sandbox/workspace"
	"codesandbox/pkg/utils/contextkey"
	"codesandbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultCompileTimeout = 10 * time.Second
	// cpuGraceMs keeps RLIMIT_CPU from firing before the wall timer for CPU-bound programs.
	cpuGraceMs = 1000
)

// Config holds the ceilings applied to compile and run steps.
// Run wall time comes from each Request.
type Config struct {
	CompileTimeout time.Duration
	CompileLimits  spec.ResourceLimit
	RunLimits      spec.ResourceLimit
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		CompileTimeout: defaultCompileTimeout,
		CompileLimits: spec.ResourceLimit{
			MemoryBytes: 512 << 20,
			CPUFraction: 1,
			PIDs:        128,
			NoFile:      256,
			FSizeBytes:  64 << 20,
		},
		RunLimits: spec.ResourceLimit{
			MemoryBytes: 128 << 20,
			CPUFraction: 0.5,
			PIDs:        64,
			NoFile:      64,
			FSizeBytes:  10 << 20,
			StackBytes:  64 << 20,
		},
	}
}

// Request is one execution attempt.
type Request struct {
	Language    string
	Code        string
	Stdin       string
	TimeLimitMs int64
	SessionID   string
}

// Executor runs attempts through a sandbox engine.
type Executor struct {
	languages *language.Registry
	workspace *workspace.Manager
	engine    engine.Engine
	metrics   observer.MetricsRecorder
	cfg       Config
}

// New creates an executor. A nil metrics recorder disables metrics.
func New(languages *language.Registry, ws *workspace.Manager, eng engine.Engine, metrics observer.MetricsRecorder, cfg Config) *Executor {
	if metrics == nil {
		metrics = observer.Noop{}
	}
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = defaultCompileTimeout
	}
	return &Executor{languages: languages, workspace: ws, engine: eng, metrics: metrics, cfg: cfg}
}

// Run executes one attempt. Failures of any kind are reported in the returned
// result; the attempt's workspace files are removed on every path.
func (e *Executor) Run(ctx context.Context, req Request) result.ExecutionResult {
	if req.SessionID == "" {
		req.SessionID = workspace.NewSessionID(0)
	}
	ctx = context.WithValue(ctx, contextkey.SessionID, req.SessionID)
	attempt := result.Attempt{SessionID: req.SessionID, StartedAt: time.Now()}
	defer func() {
		removed := e.workspace.Release(ctx, req.SessionID)
		attempt.FinishedAt = time.Now()
		logger.Debug(ctx, "attempt finished",
			zap.Strings("command", attempt.Command),
			zap.Duration("elapsed", attempt.FinishedAt.Sub(attempt.StartedAt)),
			zap.Int("files_removed", removed))
	}()

	lang, err := e.languages.Resolve(req.Language)
	if err != nil {
		return errorResult(err.Error())
	}

	root, err := e.workspace.Allocate(req.SessionID)
	if err != nil {
		logger.Error(ctx, "allocate workspace failed", zap.Error(err))
		return errorResult(err.Error())
	}
	attempt.WorkspacePath = root
	if _, err := e.workspace.WriteSource(root, lang.SourceFile(req.SessionID), lang.PrepareSource(req.Code, req.SessionID)); err != nil {
		logger.Error(ctx, "write source failed", zap.Error(err))
		return errorResult(err.Error())
	}
	if dir := lang.OutputDir(req.SessionID); dir != "" {
		if _, err := e.workspace.MakeDir(root, dir); err != nil {
			logger.Error(ctx, "create output dir failed", zap.Error(err))
			return errorResult(err.Error())
		}
	}

	compileArgv, runArgv := lang.Commands(req.SessionID)
	if compileArgv != nil {
		attempt.Command = compileArgv
		if failed, ok := e.compile(ctx, lang, root, req.SessionID, compileArgv); !ok {
			return failed
		}
	}

	stdin := req.Stdin
	if !strings.HasSuffix(stdin, "\n") {
		stdin += "\n"
	}
	stdinPath, err := e.workspace.WriteFile(root, "input"+req.SessionID+".txt", stdin)
	if err != nil {
		logger.Error(ctx, "write stdin failed", zap.Error(err))
		return errorResult(err.Error())
	}

	limits := e.cfg.RunLimits
	limits.WallTimeMs = req.TimeLimitMs
	if req.TimeLimitMs > 0 {
		limits.CPUTimeMs = req.TimeLimitMs + cpuGraceMs
	}
	runSpec := e.buildRunSpec(lang, root, req.SessionID, spec.PhaseRun, runArgv, limits)
	runSpec.Stdin = stdin
	runSpec.StdinPath = stdinPath
	attempt.Command = runArgv

	raw, runErr := e.engine.Run(ctx, runSpec)
	res := mapRunResult(raw, runErr, req.TimeLimitMs)
	e.metrics.ObserveRun(ctx, string(lang.ID), string(res.Status), res.RuntimeMs, res.MemoryKB)
	if runErr != nil {
		logger.Warn(ctx, "sandbox launch failed", zap.String("language", string(lang.ID)), zap.Error(runErr))
	} else {
		logger.Info(ctx, "sandbox run finished",
			zap.String("language", string(lang.ID)),
			zap.String("status", string(res.Status)),
			zap.Int64("runtime_ms", res.RuntimeMs),
			zap.Int64("memory_kb", res.MemoryKB))
	}
	return res
}

// compile runs the compile step. ok is false when the attempt must stop, in
// which case failed is the result to return.
func (e *Executor) compile(ctx context.Context, lang language.Language, root, sessionID string, argv []string) (failed result.ExecutionResult, ok bool) {
	limits := e.cfg.CompileLimits
	limits.WallTimeMs = e.cfg.CompileTimeout.Milliseconds()
	limits.CPUTimeMs = limits.WallTimeMs + cpuGraceMs
	runSpec := e.buildRunSpec(lang, root, sessionID, spec.PhaseCompile, argv, limits)

	raw, err := e.engine.Run(ctx, runSpec)
	compiled := err == nil && !raw.TimedOut && !raw.OomKilled && raw.ExitCode == 0
	e.metrics.ObserveCompile(ctx, string(lang.ID), compiled, raw.WallTimeMs, raw.MemoryKB)

	switch {
	case err != nil:
		logger.Warn(ctx, "compiler launch failed", zap.String("language", string(lang.ID)), zap.Error(err))
		return errorResult(err.Error()), false
	case raw.TimedOut:
		return result.ExecutionResult{
			Status:    result.StatusError,
			Stderr:    raw.Stderr,
			Error:     "compilation timed out",
			RuntimeMs: limits.WallTimeMs,
		}, false
	case raw.OomKilled:
		return result.ExecutionResult{
			Status:   result.StatusError,
			Stderr:   raw.Stderr,
			Error:    "compilation exceeded the memory limit",
			MemoryKB: raw.MemoryKB,
		}, false
	case raw.ExitCode != 0:
		return result.ExecutionResult{
			Status:    result.StatusError,
			Stdout:    raw.Stdout,
			Stderr:    raw.Stderr,
			Error:     firstNonEmpty(raw.Stderr, raw.Stdout, fmt.Sprintf("compilation failed with exit code %d", raw.ExitCode)),
			RuntimeMs: raw.WallTimeMs,
			MemoryKB:  raw.MemoryKB,
			ExitCode:  result.IntPtr(raw.ExitCode),
		}, false
	}
	return result.ExecutionResult{}, true
}

func (e *Executor) buildRunSpec(lang language.Language, root, sessionID string, phase spec.Phase, argv []string, limits spec.ResourceLimit) spec.RunSpec {
	return spec.RunSpec{
		SessionID:  sessionID,
		Phase:      phase,
		Language:   string(lang.ID),
		Image:      lang.Image,
		WorkDir:    root,
		Cmd:        argv,
		Env:        lang.Env,
		StdoutPath: filepath.Join(root, "stdout"+sessionID+"."+string(phase)+".txt"),
		StderrPath: filepath.Join(root, "stderr"+sessionID+"."+string(phase)+".txt"),
		Limits:     limits,
	}
}

func mapRunResult(raw result.RunResult, runErr error, timeLimitMs int64) result.ExecutionResult {
	if runErr != nil {
		return errorResult(runErr.Error())
	}
	res := result.ExecutionResult{
		Stdout:    raw.Stdout,
		Stderr:    raw.Stderr,
		RuntimeMs: raw.WallTimeMs,
		MemoryKB:  raw.MemoryKB,
	}
	switch {
	case raw.TimedOut:
		res.Status = result.StatusTimeout
		res.Error = "time limit exceeded"
		res.RuntimeMs = timeLimitMs
	case raw.OomKilled:
		res.Status = result.StatusError
		res.Error = "memory limit exceeded"
		res.ExitCode = result.IntPtr(raw.ExitCode)
	case raw.ExitCode == 0:
		res.Status = result.StatusSuccess
		res.ExitCode = result.IntPtr(0)
	default:
		res.Status = result.StatusError
		res.Error = firstNonEmpty(raw.Stderr, raw.Stdout, fmt.Sprintf("process exited with code %d", raw.ExitCode))
		res.ExitCode = result.IntPtr(raw.ExitCode)
	}
	return res
}

func errorResult(msg string) result.ExecutionResult {
	return result.ExecutionResult{Status: result.StatusError, Error: msg}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
