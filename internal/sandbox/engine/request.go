package engine

import (
	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/spec"
)

// initRequest is decoded by cmd/sandbox-init from its stdin.
type initRequest struct {
	RunSpec        spec.RunSpec
	Isolation      security.IsolationProfile
	EnableSeccomp  bool
	EnableNs       bool
	ReadOnlyRoot   bool
	DropPrivileges bool
	// ApplyNproc sets RLIMIT_NPROC; it is per-UID, so it is only used when
	// no cgroup pids controller bounds the run.
	ApplyNproc bool
}
