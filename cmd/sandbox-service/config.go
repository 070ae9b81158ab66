package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"codesandbox/internal/common/cache"
	"codesandbox/internal/execution/problemclient"
	"codesandbox/internal/execution/service"
	"codesandbox/internal/sandbox/engine"
	"codesandbox/internal/sandbox/executor"
	"codesandbox/internal/sandbox/language"
	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/spec"
	"codesandbox/internal/sandbox/workspace"
	"codesandbox/pkg/utils/logger"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:3001"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 5 * time.Minute
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultCleanupInterval = 5 * time.Minute
	defaultConcurrency     = 4
	defaultSandboxUser     = "65534:65534"
	defaultCgroupRoot      = "/sys/fs/cgroup/codesandbox"
	defaultProblemCacheTTL = 5 * time.Minute
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes"`
}

// WorkerConfig holds test fan-out and background sweep settings.
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// CatalogConfig points at the problem catalog and its cache.
type CatalogConfig struct {
	problemclient.Config `yaml:",inline"`
	CacheTTL             time.Duration `yaml:"cacheTTL"`
	EmptyCacheTTL        time.Duration `yaml:"emptyCacheTTL"`
}

// LimitConfig is a human-friendly ResourceLimit; sizes accept docker notation such as "128m".
type LimitConfig struct {
	Memory string  `yaml:"memory"`
	CPU    float64 `yaml:"cpu"`
	PIDs   int64   `yaml:"pids"`
	NoFile int64   `yaml:"nofile"`
	FSize  string  `yaml:"fsize"`
	Stack  string  `yaml:"stack"`
}

// DockerConfig holds container backend settings.
type DockerConfig struct {
	Host        string `yaml:"host"`
	MountPoint  string `yaml:"mountPoint"`
	TmpfsSize   string `yaml:"tmpfsSize"`
	PullMissing bool   `yaml:"pullMissing"`
}

// SandboxConfig holds sandbox engine settings.
type SandboxConfig struct {
	Backend              string        `yaml:"backend"`
	CgroupRoot           string        `yaml:"cgroupRoot"`
	SeccompDir           string        `yaml:"seccompDir"`
	SeccompProfile       string        `yaml:"seccompProfile"`
	HelperPath           string        `yaml:"helperPath"`
	RootFS               string        `yaml:"rootfs"`
	User                 string        `yaml:"user"`
	Network              string        `yaml:"network"`
	StdoutStderrMaxBytes int64         `yaml:"stdoutStderrMaxBytes"`
	EnableSeccomp        bool          `yaml:"enableSeccomp"`
	EnableCgroup         bool          `yaml:"enableCgroup"`
	EnableNamespaces     bool          `yaml:"enableNamespaces"`
	CompileTimeout       time.Duration `yaml:"compileTimeout"`
	Run                  LimitConfig   `yaml:"run"`
	Compile              LimitConfig   `yaml:"compile"`
	Docker               DockerConfig  `yaml:"docker"`
}

// LanguageConfig selects and customises languages.
type LanguageConfig struct {
	Supported []string                     `yaml:"supported"`
	Overrides map[string]language.Override `yaml:"overrides"`
}

// AppConfig holds the sandbox-service configuration.
type AppConfig struct {
	Server    ServerConfig      `yaml:"server"`
	Logger    logger.Config     `yaml:"logger"`
	Redis     cache.RedisConfig `yaml:"redis"`
	Catalog   CatalogConfig     `yaml:"catalog"`
	Workspace workspace.Config  `yaml:"workspace"`
	Worker    WorkerConfig      `yaml:"worker"`
	Sandbox   SandboxConfig     `yaml:"sandbox"`
	Limits    service.Limits    `yaml:"limits"`
	Language  LanguageConfig    `yaml:"language"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads the YAML file (optional when missing), then .env, then
// environment overrides, then fills defaults.
func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	// Variables already set in the environment win over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env failed: %w", err)
	}
	if err := applyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if _, _, err := security.ParseUser(cfg.Sandbox.User); err != nil {
		return nil, err
	}
	if _, err := cfg.Sandbox.Run.toResourceLimit(spec.ResourceLimit{}); err != nil {
		return nil, fmt.Errorf("sandbox.run: %w", err)
	}
	if _, err := cfg.Sandbox.Compile.toResourceLimit(spec.ResourceLimit{}); err != nil {
		return nil, fmt.Errorf("sandbox.compile: %w", err)
	}
	switch cfg.Sandbox.Backend {
	case engine.BackendNative, engine.BackendDocker:
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Sandbox.Backend)
	}
	return &cfg, nil
}

type lookupFunc func(key string) (string, bool)

func applyEnvOverrides(cfg *AppConfig, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := parseDurationMs(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	if v, ok := lookup("EXECUTION_TIMEOUT"); ok && strings.TrimSpace(v) != "" {
		d, err := parseDurationMs(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("EXECUTION_TIMEOUT: %w", err))
		} else {
			cfg.Limits.DefaultTimeLimitMs = int(d.Milliseconds())
		}
	}
	duration("COMPILE_TIMEOUT", &cfg.Sandbox.CompileTimeout)
	str("MEMORY_LIMIT", &cfg.Sandbox.Run.Memory)
	if v, ok := lookup("CPU_LIMIT"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || f < 0 {
			errs = append(errs, fmt.Errorf("CPU_LIMIT: invalid value %q", v))
		} else {
			cfg.Sandbox.Run.CPU = f
		}
	}
	integer("PIDS_LIMIT", &cfg.Sandbox.Run.PIDs)
	integer("NOFILE_LIMIT", &cfg.Sandbox.Run.NoFile)
	str("FSIZE_LIMIT", &cfg.Sandbox.Run.FSize)
	if v, ok := lookup("SUPPORTED_LANGUAGES"); ok && strings.TrimSpace(v) != "" {
		cfg.Language.Supported = splitList(v)
	}
	str("TEMP_DIR", &cfg.Workspace.Root)
	str("SANDBOX_NETWORK", &cfg.Sandbox.Network)
	str("SANDBOX_USER", &cfg.Sandbox.User)
	str("SANDBOX_BACKEND", &cfg.Sandbox.Backend)
	duration("CLEANUP_INTERVAL", &cfg.Worker.CleanupInterval)
	str("MAIN_API_URL", &cfg.Catalog.BaseURL)
	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		if _, err := strconv.Atoi(strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("PORT: invalid value %q", v))
		} else {
			cfg.Server.Addr = "0.0.0.0:" + strings.TrimSpace(v)
		}
	}
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("LOG_LEVEL", &cfg.Logger.Level)
	var concurrency int64
	integer("TEST_CONCURRENCY", &concurrency)
	if concurrency > 0 {
		cfg.Worker.Concurrency = int(concurrency)
	}
	return errors.Join(errs...)
}

// parseDurationMs accepts a bare millisecond count or a Go duration string.
func parseDurationMs(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("negative duration %q", raw)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
	if cfg.Logger.OutputPath == "" {
		cfg.Logger.OutputPath = "stdout"
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = defaultConcurrency
	}
	if cfg.Worker.CleanupInterval <= 0 {
		cfg.Worker.CleanupInterval = defaultCleanupInterval
	}
	if cfg.Catalog.CacheTTL <= 0 {
		cfg.Catalog.CacheTTL = defaultProblemCacheTTL
	}
	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = engine.BackendNative
	}
	cfg.Sandbox.Backend = strings.ToLower(cfg.Sandbox.Backend)
	if cfg.Sandbox.User == "" {
		cfg.Sandbox.User = defaultSandboxUser
	}
	if cfg.Sandbox.Network == "" {
		cfg.Sandbox.Network = "none"
	}
	if cfg.Sandbox.CgroupRoot == "" {
		cfg.Sandbox.CgroupRoot = defaultCgroupRoot
	}
	if cfg.Sandbox.CompileTimeout <= 0 {
		cfg.Sandbox.CompileTimeout = executor.DefaultConfig().CompileTimeout
	}
	cfg.Limits = cfg.Limits.WithDefaults()
}

// toResourceLimit overlays the configured values on base.
func (l LimitConfig) toResourceLimit(base spec.ResourceLimit) (spec.ResourceLimit, error) {
	out := base
	var err error
	if out.MemoryBytes, err = parseSize(l.Memory, base.MemoryBytes); err != nil {
		return out, fmt.Errorf("memory: %w", err)
	}
	if out.FSizeBytes, err = parseSize(l.FSize, base.FSizeBytes); err != nil {
		return out, fmt.Errorf("fsize: %w", err)
	}
	if out.StackBytes, err = parseSize(l.Stack, base.StackBytes); err != nil {
		return out, fmt.Errorf("stack: %w", err)
	}
	if l.CPU > 0 {
		out.CPUFraction = l.CPU
	}
	if l.PIDs > 0 {
		out.PIDs = l.PIDs
	}
	if l.NoFile > 0 {
		out.NoFile = l.NoFile
	}
	return out, nil
}

func parseSize(raw string, fallback int64) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	n, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive, got %q", raw)
	}
	return n, nil
}

func (c *AppConfig) executorConfig() (executor.Config, error) {
	out := executor.DefaultConfig()
	out.CompileTimeout = c.Sandbox.CompileTimeout
	var err error
	if out.RunLimits, err = c.Sandbox.Run.toResourceLimit(out.RunLimits); err != nil {
		return out, err
	}
	if out.CompileLimits, err = c.Sandbox.Compile.toResourceLimit(out.CompileLimits); err != nil {
		return out, err
	}
	return out, nil
}

func (c *AppConfig) engineConfig() (engine.Config, error) {
	s := c.Sandbox
	uid, gid, err := security.ParseUser(s.User)
	if err != nil {
		return engine.Config{}, err
	}
	networkMode := s.Network
	if networkMode == "disabled" {
		networkMode = "none"
	}
	return engine.Config{
		Backend:              s.Backend,
		CgroupRoot:           s.CgroupRoot,
		SeccompDir:           s.SeccompDir,
		HelperPath:           s.HelperPath,
		StdoutStderrMaxBytes: s.StdoutStderrMaxBytes,
		EnableSeccomp:        s.EnableSeccomp,
		EnableCgroup:         s.EnableCgroup,
		EnableNamespaces:     s.EnableNamespaces,
		Isolation: security.IsolationProfile{
			RootFS:         s.RootFS,
			SeccompProfile: s.SeccompProfile,
			DisableNetwork: networkMode == "none",
			UID:            uid,
			GID:            gid,
		},
		Docker: engine.DockerConfig{
			Host:        s.Docker.Host,
			NetworkMode: networkMode,
			MountPoint:  s.Docker.MountPoint,
			TmpfsSize:   s.Docker.TmpfsSize,
			PullMissing: s.Docker.PullMissing,
		},
	}, nil
}
