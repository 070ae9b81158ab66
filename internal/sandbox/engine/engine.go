// Package engine launches one sandboxed process per RunSpec under hard resource ceilings.
package engine

import (
	"context"
	"fmt"

	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/spec"
)

// Backend names.
const (
	BackendNative = "native"
	BackendDocker = "docker"
)

// Engine executes a RunSpec inside an isolated sandbox.
// Run returns an error only when the sandbox could not be launched; a killed,
// crashing or timed out process is reported through result.RunResult.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error)
	KillSession(ctx context.Context, sessionID string) error
	// KillAll kills every in-flight process and returns how many were signalled.
	KillAll(ctx context.Context) int
	Name() string
}

// New builds the engine selected by cfg.Backend.
func New(cfg Config) (Engine, error) {
	switch cfg.Backend {
	case "", BackendNative:
		return NewEngine(cfg)
	case BackendDocker:
		return NewDockerEngine(cfg)
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if runSpec.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	if len(runSpec.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	return nil
}
