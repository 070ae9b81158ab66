//go:build linux

package engine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/spec"
)

func TestCPUMax(t *testing.T) {
	cases := map[float64]string{
		0:       "max 100000",
		0.5:     "50000 100000",
		1:       "100000 100000",
		0.00001: "1000 100000",
	}
	for fraction, want := range cases {
		if got := cpuMax(fraction); got != want {
			t.Fatalf("cpuMax(%v) = %s, want %s", fraction, got, want)
		}
	}
}

func TestApplyCgroupLimitsWritesFiles(t *testing.T) {
	dir := t.TempDir()
	err := applyCgroupLimits(dir, spec.ResourceLimit{MemoryBytes: 16 << 20, PIDs: 5, CPUFraction: 0.5})
	if err != nil {
		t.Fatalf("apply limits: %v", err)
	}
	want := map[string]string{
		"pids.max":        "5",
		"memory.max":      "16777216",
		"memory.swap.max": "0",
		"cpu.max":         "50000 100000",
	}
	for name, value := range want {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if strings.TrimSpace(string(data)) != value {
			t.Fatalf("%s = %q, want %q", name, data, value)
		}
	}
}

func TestMemoryEventsOomDetection(t *testing.T) {
	dir := t.TempDir()
	if wasOomKilled(dir) {
		t.Fatalf("missing memory.events must not report oom")
	}
	if err := os.WriteFile(filepath.Join(dir, "memory.events"), []byte("low 0\nhigh 0\nmax 3\noom 1\noom_kill 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !wasOomKilled(dir) {
		t.Fatalf("expected oom kill to be detected")
	}
	if err := os.WriteFile(filepath.Join(dir, "memory.peak"), []byte("2097152\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := memoryPeakKB(dir, nil); got != 2048 {
		t.Fatalf("memoryPeakKB = %d, want 2048", got)
	}
}

func TestCheckNativeIsolation(t *testing.T) {
	nobody := security.IsolationProfile{UID: 65534, GID: 65534, SeccompProfile: "default.json"}
	cases := []struct {
		name     string
		cfg      Config
		rootless bool
		wantErr  bool
	}{
		{"privileged drops to nobody", Config{Isolation: nobody}, false, false},
		{"privileged as root", Config{Isolation: security.IsolationProfile{}}, false, true},
		{"privileged with root group", Config{Isolation: security.IsolationProfile{UID: 1000}}, false, true},
		{"rootless with seccomp", Config{Isolation: nobody, EnableNamespaces: true, EnableSeccomp: true}, true, false},
		{"rootless without seccomp", Config{Isolation: nobody, EnableNamespaces: true}, true, true},
		{"rootless without profile", Config{Isolation: security.IsolationProfile{UID: 1, GID: 1}, EnableNamespaces: true, EnableSeccomp: true}, true, true},
		{"rootless without namespaces", Config{}, true, false},
	}
	for _, tc := range cases {
		err := checkNativeIsolation(tc.cfg, tc.rootless)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

// buildSandboxHelper compiles cmd/sandbox-init for integration tests.
func buildSandboxHelper(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}
	_, file, _, _ := runtime.Caller(0)
	moduleRoot := filepath.Join(filepath.Dir(file), "..", "..", "..")
	helperPath := filepath.Join(t.TempDir(), "sandbox-init")
	cmd := exec.Command("go", "build", "-o", helperPath, "./cmd/sandbox-init")
	cmd.Dir = moduleRoot
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Skipf("build helper failed (libseccomp headers missing?): %v: %s", err, output)
	}
	return helperPath
}

func TestLinuxEngineRunIntegration(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("native engine integration test needs root")
	}
	cgroupRoot := filepath.Join("/sys/fs/cgroup", "codesandbox-test")
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
		t.Skip("cgroup v2 not mounted")
	}
	helperPath := buildSandboxHelper(t)
	t.Cleanup(func() { _ = os.Remove(cgroupRoot) })

	eng, err := NewEngine(Config{
		CgroupRoot:       cgroupRoot,
		HelperPath:       helperPath,
		EnableCgroup:     true,
		EnableNamespaces: true,
		Isolation:        security.IsolationProfile{UID: 65534, GID: 65534},
	})
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}

	workDir := t.TempDir()
	if err := os.Chmod(workDir, 0o777); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	stdinPath := filepath.Join(workDir, "input1_aaaaaaaa_0.txt")
	if err := os.WriteFile(stdinPath, []byte("ping\n"), 0o644); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	base := spec.RunSpec{
		WorkDir:    workDir,
		Phase:      spec.PhaseRun,
		StdinPath:  stdinPath,
		StdoutPath: filepath.Join(workDir, "stdout1_aaaaaaaa_0.run.txt"),
		StderrPath: filepath.Join(workDir, "stderr1_aaaaaaaa_0.run.txt"),
		Limits:     spec.ResourceLimit{MemoryBytes: 64 << 20, PIDs: 16, WallTimeMs: 500},
	}

	t.Run("echo stdin", func(t *testing.T) {
		runSpec := base
		runSpec.SessionID = "1_aaaaaaaa_0"
		runSpec.Cmd = []string{"/bin/sh", "-c", "read line; echo $line"}
		res, err := eng.Run(context.Background(), runSpec)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "ping" {
			t.Fatalf("unexpected result: %+v", res)
		}
	})

	t.Run("wall timeout kills", func(t *testing.T) {
		runSpec := base
		runSpec.SessionID = "1_aaaaaaaa_1"
		runSpec.Cmd = []string{"/bin/sh", "-c", "while :; do :; done"}
		start := time.Now()
		res, err := eng.Run(context.Background(), runSpec)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !res.TimedOut || res.ExitCode != -1 {
			t.Fatalf("expected timeout, got %+v", res)
		}
		if time.Since(start) > 3*time.Second {
			t.Fatalf("timeout took too long: %v", time.Since(start))
		}
	})

	t.Run("missing binary is a launch error", func(t *testing.T) {
		runSpec := base
		runSpec.SessionID = "1_aaaaaaaa_2"
		runSpec.Cmd = []string{"/definitely/not/here"}
		if _, err := eng.Run(context.Background(), runSpec); err == nil {
			t.Fatalf("expected setup failure")
		}
	})

	t.Run("memory ceiling kills with oom", func(t *testing.T) {
		runSpec := base
		runSpec.SessionID = "1_aaaaaaaa_3"
		// tail buffers a line that never ends, so its heap grows past memory.max.
		runSpec.Cmd = []string{"/bin/sh", "-c", "head -c 268435456 /dev/zero | tail"}
		runSpec.Limits.WallTimeMs = 10000
		res, err := eng.Run(context.Background(), runSpec)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !res.OomKilled || res.TimedOut || res.ExitCode == 0 {
			t.Fatalf("expected oom kill, got %+v", res)
		}
		if res.MemoryKB < 32<<10 {
			t.Fatalf("peak memory %dKB does not reflect the allocation", res.MemoryKB)
		}
	})

	t.Run("fork bomb stops at pids.max", func(t *testing.T) {
		runSpec := base
		runSpec.SessionID = "1_aaaaaaaa_4"
		runSpec.Cmd = []string{"/bin/sh", "-c", "i=0; while [ $i -lt 64 ]; do sleep 1 & i=$((i+1)); done; wait"}
		runSpec.Limits.WallTimeMs = 5000
		res, err := eng.Run(context.Background(), runSpec)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		// 64 sleepers only fit when pids.max (16) is not enforced.
		if res.ExitCode == 0 && !res.TimedOut {
			t.Fatalf("expected forks to fail under pids.max, got %+v", res)
		}
	})

	t.Run("timeout reaps background children", func(t *testing.T) {
		runSpec := base
		runSpec.SessionID = "1_aaaaaaaa_5"
		runSpec.Cmd = []string{"/bin/sh", "-c", "sleep 4242 & wait"}
		res, err := eng.Run(context.Background(), runSpec)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !res.TimedOut {
			t.Fatalf("expected timeout, got %+v", res)
		}
		if _, err := os.Stat(filepath.Join(cgroupRoot, runSpec.SessionID+"-run")); !os.IsNotExist(err) {
			t.Fatalf("run cgroup still present, members survived: %v", err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for hasProcess("sleep\x004242") {
			if time.Now().After(deadline) {
				t.Fatalf("background child outlived the timeout")
			}
			time.Sleep(50 * time.Millisecond)
		}
	})
}

// hasProcess reports whether any process has a NUL-separated cmdline containing needle.
func hasProcess(needle string) bool {
	dirs, _ := filepath.Glob("/proc/[0-9]*/cmdline")
	for _, path := range dirs {
		data, err := os.ReadFile(path)
		if err == nil && strings.Contains(string(data), needle) {
			return true
		}
	}
	return false
}
