// Package spec defines the launch specification and resource ceilings for one sandboxed process.
package spec

// Phase names the step of an attempt a RunSpec belongs to.
type Phase string

const (
	PhaseCompile Phase = "compile"
	PhaseRun     Phase = "run"
)

// ResourceLimit describes hard limits enforced by the sandbox.
// All ceilings apply together; a zero value leaves that ceiling unset.
type ResourceLimit struct {
	WallTimeMs  int64
	CPUTimeMs   int64
	MemoryBytes int64
	// SwapBytes is swap allowed on top of MemoryBytes.
	SwapBytes   int64
	CPUFraction float64
	PIDs        int64
	NoFile      int64
	FSizeBytes  int64
	StackBytes  int64
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec is the unified execution specification for one sandboxed process.
type RunSpec struct {
	SessionID string
	Phase     Phase
	Language  string
	// Image is the container image used by the docker backend.
	Image   string
	WorkDir string
	Cmd     []string
	Env     []string
	// Stdin is streamed to the process; StdinPath holds the same bytes on disk
	// for backends that redirect from a file.
	Stdin      string
	StdinPath  string
	StdoutPath string
	StderrPath string
	BindMounts []MountSpec
	Limits     ResourceLimit
}
