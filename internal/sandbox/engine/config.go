package engine

import "codesandbox/internal/sandbox/security"

// Config controls sandbox engine behavior.
type Config struct {
	Backend              string
	CgroupRoot           string
	SeccompDir           string
	HelperPath           string
	StdoutStderrMaxBytes int64
	EnableSeccomp        bool
	EnableCgroup         bool
	EnableNamespaces     bool
	Isolation            security.IsolationProfile
	Docker               DockerConfig
}

// DockerConfig controls the container backend.
type DockerConfig struct {
	// Host overrides DOCKER_HOST; empty uses the environment.
	Host        string
	NetworkMode string
	MountPoint  string
	TmpfsSize   string
	PullMissing bool
}

const (
	defaultStdoutStderrMaxBytes int64 = 64 * 1024
	defaultHelperPath                 = "sandbox-init"
	defaultMountPoint                 = "/sandbox"
	defaultNetworkMode                = "none"
	defaultTmpfsSize                  = "64m"
)

func (c Config) withDefaults() Config {
	if c.StdoutStderrMaxBytes <= 0 {
		c.StdoutStderrMaxBytes = defaultStdoutStderrMaxBytes
	}
	if c.HelperPath == "" {
		c.HelperPath = defaultHelperPath
	}
	if c.Docker.MountPoint == "" {
		c.Docker.MountPoint = defaultMountPoint
	}
	if c.Docker.NetworkMode == "" {
		c.Docker.NetworkMode = defaultNetworkMode
	}
	if c.Docker.TmpfsSize == "" {
		c.Docker.TmpfsSize = defaultTmpfsSize
	}
	return c
}
