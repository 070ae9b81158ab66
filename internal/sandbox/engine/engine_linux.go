//go:build linux

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/spec"
	"codesandbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const maxSetupErrorBytes = 4096

type linuxEngine struct {
	cfg      Config
	runs     *registry
	rootless bool
}

// NewEngine creates the native Linux sandbox engine.
func NewEngine(cfg Config) (Engine, error) {
	cfg = cfg.withDefaults()
	helper, err := exec.LookPath(cfg.HelperPath)
	if err != nil {
		return nil, fmt.Errorf("locate sandbox helper %q: %w", cfg.HelperPath, err)
	}
	cfg.HelperPath = helper
	rootless := os.Geteuid() != 0
	if err := checkNativeIsolation(cfg, rootless); err != nil {
		return nil, err
	}
	if cfg.EnableCgroup {
		if err := ensureCgroupRoot(cfg.CgroupRoot); err != nil {
			return nil, err
		}
	}
	return &linuxEngine{
		cfg:      cfg,
		runs:     newRegistry(),
		rootless: rootless,
	}, nil
}

// checkNativeIsolation refuses configurations that would run programs as root.
// A privileged service drops to the configured identity. A rootless one runs the
// program as uid 0 of a private user namespace, where seccomp is what keeps it
// from remounting the read-only root.
func checkNativeIsolation(cfg Config, rootless bool) error {
	if !rootless {
		return cfg.Isolation.CheckIdentity()
	}
	if cfg.EnableNamespaces && (!cfg.EnableSeccomp || cfg.Isolation.SeccompProfile == "") {
		return fmt.Errorf("rootless sandbox with namespaces requires a seccomp profile")
	}
	return nil
}

func (e *linuxEngine) Name() string {
	return BackendNative
}

func (e *linuxEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunResult{}, err
	}

	isoProfile := e.cfg.Isolation
	if e.cfg.SeccompDir != "" && isoProfile.SeccompProfile != "" && !filepath.IsAbs(isoProfile.SeccompProfile) {
		isoProfile.SeccompProfile = filepath.Join(e.cfg.SeccompDir, isoProfile.SeccompProfile)
	}
	runSpec.Env = append(append([]string(nil), runSpec.Env...), "TMPDIR="+runSpec.WorkDir, "HOME="+runSpec.WorkDir)
	if e.cfg.EnableNamespaces {
		runSpec.BindMounts = append([]spec.MountSpec{{Source: runSpec.WorkDir, Target: runSpec.WorkDir}}, runSpec.BindMounts...)
	}

	cgroupPath := ""
	var cgroupDir *os.File
	if e.cfg.EnableCgroup {
		var cleanup func()
		var err error
		cgroupPath, cleanup, err = createRunCgroup(e.cfg.CgroupRoot, runSpec)
		if err != nil {
			return result.RunResult{}, fmt.Errorf("create cgroup: %w", err)
		}
		defer cleanup()
		if err := applyCgroupLimits(cgroupPath, runSpec.Limits); err != nil {
			return result.RunResult{}, fmt.Errorf("apply cgroup limits: %w", err)
		}
		cgroupDir, err = os.Open(cgroupPath)
		if err != nil {
			return result.RunResult{}, fmt.Errorf("open cgroup: %w", err)
		}
		defer cgroupDir.Close()
	}

	initReq := initRequest{
		RunSpec:        runSpec,
		Isolation:      isoProfile,
		EnableSeccomp:  e.cfg.EnableSeccomp,
		EnableNs:       e.cfg.EnableNamespaces,
		ReadOnlyRoot:   e.cfg.EnableNamespaces,
		DropPrivileges: !e.rootless,
		ApplyNproc:     !e.cfg.EnableCgroup,
	}
	stdinPipe, err := jsonToPipe(initReq)
	if err != nil {
		return result.RunResult{}, fmt.Errorf("encode init request: %w", err)
	}
	defer stdinPipe.Close()

	// The helper reports setup failures on fd 3, which is close-on-exec,
	// so an empty read after Wait means the target program was exec'd.
	statusR, statusW, err := os.Pipe()
	if err != nil {
		return result.RunResult{}, fmt.Errorf("create status pipe: %w", err)
	}
	defer statusR.Close()

	cmd := exec.Command(e.cfg.HelperPath)
	cmd.SysProcAttr = e.buildSysProcAttr(isoProfile, cgroupDir)
	cmd.Stdin = stdinPipe
	cmd.ExtraFiles = []*os.File{statusW}
	var helperStderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &helperStderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = statusW.Close()
		return result.RunResult{}, fmt.Errorf("start helper: %w", err)
	}
	_ = statusW.Close()

	pid := cmd.Process.Pid
	key := registryKey(runSpec)
	kill := func() {
		killProcessGroup(pid)
		_ = killCgroup(cgroupPath)
	}
	e.runs.add(key, kill)
	defer e.runs.remove(key)

	var timedOut atomic.Bool
	done := make(chan struct{})
	go func() {
		var wallTimer <-chan time.Time
		if wallLimit := durationFromMs(runSpec.Limits.WallTimeMs); wallLimit > 0 {
			timer := time.NewTimer(wallLimit)
			defer timer.Stop()
			wallTimer = timer.C
		}
		select {
		case <-ctx.Done():
			kill()
		case <-wallTimer:
			timedOut.Store(true)
			kill()
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	wallTimeMs := time.Since(start).Milliseconds()

	setupMsg, _ := io.ReadAll(io.LimitReader(statusR, maxSetupErrorBytes))
	if len(setupMsg) > 0 {
		logger.Warn(ctx, "sandbox helper setup failed",
			zap.String("error", string(setupMsg)), zap.String("helper_stderr", helperStderr.String()))
		return result.RunResult{}, fmt.Errorf("sandbox setup failed: %s", strings.TrimSpace(string(setupMsg)))
	}
	if waitErr != nil && helperStderr.Len() > 0 {
		logger.Warn(ctx, "sandbox helper stderr", zap.String("stderr", helperStderr.String()))
	}

	cpuMs := cpuTimeMs(cmd.ProcessState)
	if cgroupPath != "" {
		if v, err := cgroupCPUTimeMs(cgroupPath); err == nil {
			cpuMs = v
		}
	}
	runResult := result.RunResult{
		ExitCode:   exitCodeFromErr(waitErr, cmd.ProcessState),
		TimeMs:     cpuMs,
		WallTimeMs: wallTimeMs,
		MemoryKB:   memoryPeakKB(cgroupPath, cmd.ProcessState),
		Stdout:     readLimitedFile(runSpec.StdoutPath, e.cfg.StdoutStderrMaxBytes),
		Stderr:     readLimitedFile(runSpec.StderrPath, e.cfg.StdoutStderrMaxBytes),
		TimedOut:   timedOut.Load(),
		OomKilled:  wasOomKilled(cgroupPath),
	}
	if runResult.TimedOut {
		runResult.ExitCode = -1
	}
	if err := ctx.Err(); err != nil && !runResult.TimedOut {
		return runResult, fmt.Errorf("execution cancelled: %w", err)
	}
	return runResult, nil
}

func (e *linuxEngine) KillSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if killed := e.runs.killSession(sessionID); killed > 0 {
		logger.Info(ctx, "killed sandbox session", zap.String("session", sessionID), zap.Int("runs", killed))
	}
	return nil
}

func (e *linuxEngine) KillAll(ctx context.Context) int {
	return e.runs.killAll()
}

func (e *linuxEngine) buildSysProcAttr(profile security.IsolationProfile, cgroupDir *os.File) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if cgroupDir != nil {
		// Join the cgroup at clone time so no instruction runs outside the limits.
		attr.UseCgroupFD = true
		attr.CgroupFD = int(cgroupDir.Fd())
	}
	if !e.cfg.EnableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if profile.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	if e.rootless {
		cloneFlags |= syscall.CLONE_NEWUSER
		attr.GidMappingsEnableSetgroups = false
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	}
	attr.Cloneflags = cloneFlags
	return attr
}

func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func cpuTimeMs(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	return (state.UserTime() + state.SystemTime()).Milliseconds()
}

func jsonToPipe(req initRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		err := json.NewEncoder(writer).Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}
