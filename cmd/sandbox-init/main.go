//go:build linux

// Command sandbox-init is exec'd by the native engine inside fresh namespaces.
// It reads an init request from stdin, applies mounts, rlimits, the sandbox
// identity and seccomp, then execs the target program. Setup errors are written
// to fd 3, which is close-on-exec, so the engine can tell them apart from the
// program's own exit status.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/spec"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

const statusFD = 3

const defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

type initRequest struct {
	RunSpec        spec.RunSpec
	Isolation      security.IsolationProfile
	EnableSeccomp  bool
	EnableNs       bool
	ReadOnlyRoot   bool
	DropPrivileges bool
	ApplyNproc     bool
}

func init() {
	// Credentials, no_new_privs and seccomp are per thread; execve must run on the thread that set them.
	runtime.LockOSThread()
}

func main() {
	status := os.NewFile(statusFD, "status")
	if err := run(); err != nil {
		if status != nil {
			_, _ = fmt.Fprintln(status, err.Error())
		}
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	unix.CloseOnExec(statusFD)

	req, err := decodeRequest(os.Stdin)
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	if req.EnableNs {
		if err := setupMounts(req); err != nil {
			return err
		}
	} else if req.Isolation.RootFS != "" || len(req.RunSpec.BindMounts) > 0 {
		return fmt.Errorf("namespaces disabled with rootfs or bind mounts")
	}

	if err := os.Chdir(req.RunSpec.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := applyRlimits(req.RunSpec.Limits, req.ApplyNproc); err != nil {
		return err
	}
	if err := redirectIO(req.RunSpec); err != nil {
		return err
	}

	env := buildEnv(req.RunSpec.Env)
	os.Clearenv()
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set env: %w", err)
		}
	}
	cmdPath, err := exec.LookPath(req.RunSpec.Cmd[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}

	if req.DropPrivileges {
		if err := dropPrivileges(req.Isolation.UID, req.Isolation.GID); err != nil {
			return err
		}
	} else if req.EnableNs {
		// Rootless: the program stays uid 0 of its user namespace.
		if err := dropCapabilities(); err != nil {
			return err
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if req.EnableSeccomp && req.Isolation.SeccompProfile != "" {
		if err := applySeccomp(req.Isolation.SeccompProfile); err != nil {
			return err
		}
	}
	return unix.Exec(cmdPath, req.RunSpec.Cmd, env)
}

func decodeRequest(r io.Reader) (initRequest, error) {
	var req initRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return initRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req initRequest) error {
	if len(req.RunSpec.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.RunSpec.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	if req.DropPrivileges {
		if err := req.Isolation.CheckIdentity(); err != nil {
			return fmt.Errorf("refusing to run sandbox: %w", err)
		}
	}
	return nil
}

func setupMounts(req initRequest) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mount private: %w", err)
	}
	rootfs := req.Isolation.RootFS
	if err := applyBindMounts(rootfs, req.RunSpec.BindMounts); err != nil {
		return err
	}
	mountProc(rootfs)
	if rootfs != "" {
		if err := unix.Chroot(rootfs); err != nil {
			return fmt.Errorf("chroot: %w", err)
		}
		if err := os.Chdir("/"); err != nil {
			return fmt.Errorf("chdir root: %w", err)
		}
	}
	if req.ReadOnlyRoot {
		if err := remountReadOnly("/"); err != nil {
			return err
		}
	}
	return nil
}

func applyBindMounts(rootfs string, mounts []spec.MountSpec) error {
	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("invalid mount spec")
		}
		target := m.Target
		if rootfs != "" {
			target = filepath.Join(rootfs, m.Target)
		}
		if err := ensureMountTarget(m.Source, target); err != nil {
			return err
		}
		if err := unix.Mount(m.Source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount %s: %w", m.Target, err)
		}
		if m.ReadOnly {
			if err := remountReadOnly(target); err != nil {
				return err
			}
		}
	}
	return nil
}

// mountProc gives the new pid namespace its own /proc. Runtimes such as the JVM
// read it, but a failure here does not weaken isolation.
func mountProc(rootfs string) {
	procPath := filepath.Join(rootfs, "/proc")
	if err := unix.Mount("proc", procPath, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil && !errors.Is(err, unix.EBUSY) {
		_, _ = fmt.Fprintf(os.Stderr, "mount proc: %v\n", err)
	}
}

// remountReadOnly keeps the mount's existing lock flags, which an unprivileged
// user namespace may not clear.
func remountReadOnly(target string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(target, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", target, err)
	}
	keep := uintptr(st.Flags) & (unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC | unix.MS_NOATIME | unix.MS_NODIRATIME | unix.MS_RELATIME)
	flags := unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | keep
	if err := unix.Mount("", target, "", flags, ""); err != nil {
		return fmt.Errorf("remount %s readonly: %w", target, err)
	}
	return nil
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("mkdir mount target: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return file.Close()
}

func applyRlimits(limits spec.ResourceLimit, applyNproc bool) error {
	set := func(resource int, name string, value uint64) error {
		if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: value, Max: value}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", name, err)
		}
		return nil
	}
	if limits.CPUTimeMs > 0 {
		if err := set(unix.RLIMIT_CPU, "cpu", uint64((limits.CPUTimeMs+999)/1000)); err != nil {
			return err
		}
	}
	if limits.FSizeBytes > 0 {
		if err := set(unix.RLIMIT_FSIZE, "fsize", uint64(limits.FSizeBytes)); err != nil {
			return err
		}
	}
	if limits.NoFile > 0 {
		if err := set(unix.RLIMIT_NOFILE, "nofile", uint64(limits.NoFile)); err != nil {
			return err
		}
	}
	if limits.StackBytes > 0 {
		if err := set(unix.RLIMIT_STACK, "stack", uint64(limits.StackBytes)); err != nil {
			return err
		}
	}
	if applyNproc && limits.PIDs > 0 {
		if err := set(unix.RLIMIT_NPROC, "nproc", uint64(limits.PIDs)); err != nil {
			return err
		}
	}
	return nil
}

func redirectIO(runSpec spec.RunSpec) error {
	open := func(path string, flag int) (*os.File, error) {
		if path == "" {
			path = os.DevNull
		}
		return os.OpenFile(path, flag, 0o644)
	}
	stdinFile, err := open(runSpec.StdinPath, os.O_RDONLY)
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	stdoutFile, err := open(runSpec.StdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open stdout: %w", err)
	}
	stderrFile, err := open(runSpec.StderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open stderr: %w", err)
	}
	for _, pair := range []struct {
		from *os.File
		to   int
		name string
	}{{stdinFile, 0, "stdin"}, {stdoutFile, 1, "stdout"}, {stderrFile, 2, "stderr"}} {
		if err := unix.Dup2(int(pair.from.Fd()), pair.to); err != nil {
			return fmt.Errorf("dup %s: %w", pair.name, err)
		}
		_ = pair.from.Close()
	}
	return nil
}

func buildEnv(env []string) []string {
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			return env
		}
	}
	return append(append([]string(nil), env...), defaultPath)
}

func dropPrivileges(uid, gid int) error {
	// The syscall package applies these to every thread of the process.
	if err := syscall.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := syscall.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("setresgid: %w", err)
	}
	if err := syscall.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("setresuid: %w", err)
	}
	return nil
}

// dropCapabilities empties the bounding, ambient, effective, permitted and
// inheritable sets of the calling thread.
func dropCapabilities() error {
	for c := 0; c <= unix.CAP_LAST_CAP; c++ {
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0); err != nil && !errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("drop bounding capability %d: %w", c, err)
		}
	}
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("clear ambient capabilities: %w", err)
	}
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("clear capabilities: %w", err)
	}
	return nil
}

func applySeccomp(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Unknown on this architecture.
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
