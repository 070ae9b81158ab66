// Package observer defines metrics hooks for sandbox execution.
package observer

import "context"

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveCompile(ctx context.Context, language string, ok bool, timeMs int64, memoryKB int64)
	ObserveRun(ctx context.Context, language string, status string, timeMs int64, memoryKB int64)
	ObserveCleanup(ctx context.Context, trigger string, removed int)
}

// Noop discards every observation.
type Noop struct{}

func (Noop) ObserveCompile(context.Context, string, bool, int64, int64) {}
func (Noop) ObserveRun(context.Context, string, string, int64, int64)   {}
func (Noop) ObserveCleanup(context.Context, string, int)                {}
