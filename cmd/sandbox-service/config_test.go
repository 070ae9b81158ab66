package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/spec"

	"github.com/fatih/color"
)

func envMap(values map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	var cfg AppConfig
	err := applyEnvOverrides(&cfg, envMap(map[string]string{
		"EXECUTION_TIMEOUT":   "3000",
		"COMPILE_TIMEOUT":     "15s",
		"MEMORY_LIMIT":        "256m",
		"CPU_LIMIT":           "1.5",
		"PIDS_LIMIT":          "32",
		"NOFILE_LIMIT":        "128",
		"FSIZE_LIMIT":         "1m",
		"SUPPORTED_LANGUAGES": "Python, cpp ,,java",
		"TEMP_DIR":            "/var/tmp/sbx",
		"SANDBOX_NETWORK":     "bridge",
		"SANDBOX_USER":        "1000:1001",
		"SANDBOX_BACKEND":     "docker",
		"CLEANUP_INTERVAL":    "60000",
		"MAIN_API_URL":        "http://api:3000",
		"PORT":                "8080",
		"REDIS_ADDR":          "redis:6379",
		"LOG_LEVEL":           "debug",
		"TEST_CONCURRENCY":    "8",
	}))
	if err != nil {
		t.Fatalf("apply overrides: %v", err)
	}
	applyDefaults(&cfg)

	if cfg.Limits.DefaultTimeLimitMs != 3000 || cfg.Sandbox.CompileTimeout != 15*time.Second {
		t.Fatalf("timeouts not applied: %+v %v", cfg.Limits, cfg.Sandbox.CompileTimeout)
	}
	if cfg.Worker.CleanupInterval != time.Minute || cfg.Worker.Concurrency != 8 {
		t.Fatalf("worker settings not applied: %+v", cfg.Worker)
	}
	if got := strings.Join(cfg.Language.Supported, ","); got != "python,cpp,java" {
		t.Fatalf("unexpected languages %q", got)
	}
	if cfg.Server.Addr != "0.0.0.0:8080" || cfg.Redis.Addr != "redis:6379" || cfg.Catalog.BaseURL != "http://api:3000" {
		t.Fatalf("endpoints not applied: %+v", cfg)
	}
	if cfg.Workspace.Root != "/var/tmp/sbx" || cfg.Logger.Level != "debug" {
		t.Fatalf("paths or logging not applied")
	}

	execCfg, err := cfg.executorConfig()
	if err != nil {
		t.Fatalf("executor config: %v", err)
	}
	run := execCfg.RunLimits
	if run.MemoryBytes != 256<<20 || run.CPUFraction != 1.5 || run.PIDs != 32 || run.NoFile != 128 || run.FSizeBytes != 1<<20 {
		t.Fatalf("run limits not applied: %+v", run)
	}
	if run.StackBytes != 64<<20 {
		t.Fatalf("unset limits keep their defaults: %+v", run)
	}

	engCfg, err := cfg.engineConfig()
	if err != nil {
		t.Fatalf("engine config: %v", err)
	}
	if engCfg.Backend != "docker" || engCfg.Docker.NetworkMode != "bridge" || engCfg.Isolation.DisableNetwork {
		t.Fatalf("network settings not applied: %+v", engCfg)
	}
	if engCfg.Isolation.UID != 1000 || engCfg.Isolation.GID != 1001 {
		t.Fatalf("sandbox user not applied: %+v", engCfg.Isolation)
	}
}

func TestApplyEnvOverridesCollectsErrors(t *testing.T) {
	var cfg AppConfig
	err := applyEnvOverrides(&cfg, envMap(map[string]string{
		"PIDS_LIMIT":        "lots",
		"CPU_LIMIT":         "-1",
		"PORT":              "http",
		"EXECUTION_TIMEOUT": "soon",
	}))
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, key := range []string{"PIDS_LIMIT", "CPU_LIMIT", "PORT", "EXECUTION_TIMEOUT"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error should mention %s: %v", key, err)
		}
	}
}

func TestDefaults(t *testing.T) {
	var cfg AppConfig
	applyDefaults(&cfg)
	if cfg.Server.Addr != defaultHTTPAddr || cfg.Sandbox.Backend != "native" || cfg.Sandbox.Network != "none" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Limits.MaxCodeBytes != 64*1024 || cfg.Limits.MaxInputBytes != 1024 || cfg.Limits.MaxTestCases != 50 {
		t.Fatalf("unexpected limit defaults: %+v", cfg.Limits)
	}
	engCfg, err := cfg.engineConfig()
	if err != nil {
		t.Fatalf("engine config: %v", err)
	}
	if !engCfg.Isolation.DisableNetwork || engCfg.Isolation.UID != 65534 {
		t.Fatalf("sandbox must default to no network and nobody: %+v", engCfg.Isolation)
	}
	execCfg, _ := cfg.executorConfig()
	if execCfg.RunLimits.MemoryBytes != 128<<20 || execCfg.CompileTimeout != 10*time.Second {
		t.Fatalf("unexpected executor defaults: %+v", execCfg)
	}
}

func TestLoadAppConfigLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sandbox.yaml")
	yamlBody := `
server:
  addr: 127.0.0.1:9000
sandbox:
  backend: native
  user: "2000"
  compileTimeout: 20s
  run:
    memory: 64m
    cpu: 0.25
language:
  supported: [python, c]
  overrides:
    python:
      image: python:3.12-alpine
limits:
  maxTestCases: 10
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Chdir(dir)
	t.Setenv("SANDBOX_BACKEND", "docker")

	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" || cfg.Sandbox.CompileTimeout != 20*time.Second {
		t.Fatalf("yaml values not loaded: %+v", cfg.Server)
	}
	if cfg.Sandbox.Backend != "docker" {
		t.Fatalf("environment should override yaml, got %s", cfg.Sandbox.Backend)
	}
	if cfg.Limits.MaxTestCases != 10 || cfg.Language.Overrides["python"].Image != "python:3.12-alpine" {
		t.Fatalf("nested yaml not loaded: %+v", cfg)
	}
	limits, err := cfg.Sandbox.Run.toResourceLimit(spec.ResourceLimit{})
	if err != nil || limits.MemoryBytes != 64<<20 || limits.CPUFraction != 0.25 {
		t.Fatalf("unexpected run limits %+v, %v", limits, err)
	}
}

func TestLoadAppConfigRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	cases := []struct{ key, value string }{
		{"SANDBOX_USER", "nobody"},
		{"SANDBOX_USER", "0:0"},
		{"SANDBOX_USER", "0"},
		{"SANDBOX_USER", "65534:0"},
		{"SANDBOX_BACKEND", "vm"},
		{"MEMORY_LIMIT", "lots"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := loadAppConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
				t.Fatalf("expected %s=%s to be rejected", tc.key, tc.value)
			}
		})
	}
}

func TestParseDurationMs(t *testing.T) {
	cases := map[string]time.Duration{
		"1500": 1500 * time.Millisecond,
		"2s":   2 * time.Second,
		" 5m ": 5 * time.Minute,
	}
	for raw, want := range cases {
		got, err := parseDurationMs(raw)
		if err != nil || got != want {
			t.Fatalf("parseDurationMs(%q) = %v, %v", raw, got, err)
		}
	}
	for _, raw := range []string{"-1", "soon", "-2s"} {
		if _, err := parseDurationMs(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestPrintVerdict(t *testing.T) {
	color.NoColor = true
	verdict := result.SubmissionVerdict{
		TotalTests:  2,
		PassedTests: 1,
		Results: []result.TestCaseResult{
			{ExecutionResult: result.ExecutionResult{Status: result.StatusSuccess, Stdout: "3\n", RuntimeMs: 12, ExitCode: result.IntPtr(0)}, TestCaseNumber: 1, Passed: true, ExpectedOutput: "3"},
			{ExecutionResult: result.ExecutionResult{Status: result.StatusFailed, Stdout: "4\n"}, TestCaseNumber: 2, ExpectedOutput: "5"},
		},
	}
	var buf bytes.Buffer
	printVerdict(&buf, verdict, true)
	out := buf.String()
	for _, want := range []string{"test 1: SUCCESS", "12 ms", "exit 0", "test 2: FAILED", "expected:\n5", "1/2 passed"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}

	buf.Reset()
	printVerdict(&buf, result.SubmissionVerdict{TotalTests: 1, Results: verdict.Results[1:]}, false)
	if !strings.Contains(buf.String(), "SUCCESS") || strings.Contains(buf.String(), "passed") {
		t.Fatalf("unjudged runs should not report a comparison:\n%s", buf.String())
	}
}
