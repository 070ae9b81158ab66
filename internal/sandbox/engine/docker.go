package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/spec"
	"codesandbox/pkg/utils/logger"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
	"go.uber.org/zap"
)

const (
	containerLabel       = "codesandbox.session"
	removeTimeout        = 10 * time.Second
	memorySampleInterval = 20 * time.Millisecond
)

// cgroupMemoryPaths are host locations of a container's memory.peak for the
// systemd and cgroupfs cgroup drivers.
var cgroupMemoryPaths = []string{
	"/sys/fs/cgroup/system.slice/docker-%s.scope/memory.peak",
	"/sys/fs/cgroup/docker/%s/memory.peak",
}

type dockerEngine struct {
	cfg  Config
	cli  *client.Client
	runs *registry
}

// NewDockerEngine creates an engine that runs each RunSpec in a throwaway container.
func NewDockerEngine(cfg Config) (Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Isolation.CheckIdentity(); err != nil {
		return nil, err
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Docker.Host != "" {
		opts = append(opts, client.WithHost(cfg.Docker.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &dockerEngine{cfg: cfg, cli: cli, runs: newRegistry()}, nil
}

func (d *dockerEngine) Name() string {
	return BackendDocker
}

func (d *dockerEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunResult{}, err
	}
	if runSpec.Image == "" {
		return result.RunResult{}, fmt.Errorf("image is required for docker backend")
	}

	containerCfg, hostCfg := d.buildContainerConfig(runSpec)
	created, err := d.createContainer(ctx, runSpec, containerCfg, hostCfg)
	if err != nil {
		return result.RunResult{}, err
	}
	containerID := created.ID
	defer d.removeContainer(ctx, containerID)

	attach, err := d.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return result.RunResult{}, fmt.Errorf("attach container: %w", err)
	}
	defer attach.Close()

	stdout := newBoundedBuffer(d.cfg.StdoutStderrMaxBytes)
	stderr := newBoundedBuffer(d.cfg.StdoutStderrMaxBytes)
	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
	}()

	waitCh, waitErrCh := d.cli.ContainerWait(ctx, containerID, container.WaitConditionNextExit)

	start := time.Now()
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return result.RunResult{}, fmt.Errorf("start container: %w", err)
	}

	key := registryKey(runSpec)
	kill := func() {
		killCtx, cancel := context.WithTimeout(context.Background(), removeTimeout)
		defer cancel()
		if err := d.cli.ContainerKill(killCtx, containerID, "SIGKILL"); err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
			logger.Warn(ctx, "kill container failed", zap.String("container", containerID), zap.Error(err))
		}
	}
	d.runs.add(key, kill)
	defer d.runs.remove(key)

	sampler := newMemorySampler(containerID)
	sampler.start()
	defer sampler.stop()

	if runSpec.Stdin != "" {
		if _, err := io.Copy(attach.Conn, strings.NewReader(runSpec.Stdin)); err != nil {
			logger.Warn(ctx, "write container stdin failed", zap.String("container", containerID), zap.Error(err))
		}
	}
	_ = attach.CloseWrite()

	var wallTimer <-chan time.Time
	if wallLimit := durationFromMs(runSpec.Limits.WallTimeMs); wallLimit > 0 {
		timer := time.NewTimer(wallLimit)
		defer timer.Stop()
		wallTimer = timer.C
	}

	runResult := result.RunResult{ExitCode: -1}
	var runErr error
	select {
	case resp := <-waitCh:
		runResult.ExitCode = int(resp.StatusCode)
		if resp.Error != nil && resp.Error.Message != "" {
			runErr = fmt.Errorf("wait container: %s", resp.Error.Message)
		}
	case err := <-waitErrCh:
		kill()
		runErr = fmt.Errorf("wait container: %w", err)
	case <-wallTimer:
		runResult.TimedOut = true
		kill()
	case <-ctx.Done():
		kill()
		runErr = fmt.Errorf("execution cancelled: %w", ctx.Err())
	}
	runResult.WallTimeMs = time.Since(start).Milliseconds()
	runResult.TimeMs = runResult.WallTimeMs

	select {
	case <-copyDone:
	case <-time.After(time.Second):
		// Closing the hijacked connection unblocks StdCopy.
		attach.Close()
		<-copyDone
	}
	sampler.stop()

	inspectCtx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if info, err := d.cli.ContainerInspect(inspectCtx, containerID); err == nil && info.State != nil {
		runResult.OomKilled = info.State.OOMKilled
	}
	runResult.MemoryKB = sampler.peakKB()
	runResult.Stdout = stdout.String()
	runResult.Stderr = stderr.String()
	return runResult, runErr
}

func (d *dockerEngine) KillSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	d.runs.killSession(sessionID)
	return nil
}

func (d *dockerEngine) KillAll(ctx context.Context) int {
	return d.runs.killAll()
}

func (d *dockerEngine) buildContainerConfig(runSpec spec.RunSpec) (*container.Config, *container.HostConfig) {
	limits := runSpec.Limits
	containerCfg := &container.Config{
		Image:           runSpec.Image,
		Cmd:             runSpec.Cmd,
		Env:             runSpec.Env,
		WorkingDir:      d.cfg.Docker.MountPoint,
		User:            d.cfg.Isolation.User(),
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       true,
		NetworkDisabled: d.cfg.Docker.NetworkMode == "none",
		Labels:          map[string]string{containerLabel: runSpec.SessionID},
	}

	resources := container.Resources{
		Ulimits: buildUlimits(limits),
	}
	if limits.MemoryBytes > 0 {
		resources.Memory = limits.MemoryBytes
		resources.MemorySwap = limits.MemoryBytes + max(limits.SwapBytes, 0)
	}
	if limits.CPUFraction > 0 {
		resources.NanoCPUs = int64(limits.CPUFraction * 1e9)
	}
	if limits.PIDs > 0 {
		pids := limits.PIDs
		resources.PidsLimit = &pids
	}

	hostCfg := &container.HostConfig{
		Binds:          []string{runSpec.WorkDir + ":" + d.cfg.Docker.MountPoint + ":rw"},
		NetworkMode:    container.NetworkMode(d.cfg.Docker.NetworkMode),
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,nosuid,size=" + d.cfg.Docker.TmpfsSize},
		Resources:      resources,
	}
	return containerCfg, hostCfg
}

func buildUlimits(limits spec.ResourceLimit) []*units.Ulimit {
	var out []*units.Ulimit
	add := func(name string, value int64) {
		if value > 0 {
			out = append(out, &units.Ulimit{Name: name, Soft: value, Hard: value})
		}
	}
	add("nofile", limits.NoFile)
	add("fsize", limits.FSizeBytes)
	// No nproc: RLIMIT_NPROC counts every process of the uid host-wide, and all
	// containers share the sandbox uid. PidsLimit caps each container instead.
	add("stack", limits.StackBytes)
	if limits.CPUTimeMs > 0 {
		add("cpu", (limits.CPUTimeMs+999)/1000)
	}
	return out
}

func (d *dockerEngine) createContainer(ctx context.Context, runSpec spec.RunSpec, containerCfg *container.Config, hostCfg *container.HostConfig) (container.CreateResponse, error) {
	name := "codesandbox-" + strings.ReplaceAll(runSpec.SessionID, "_", "-") + "-" + string(runSpec.Phase)
	created, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err == nil {
		return created, nil
	}
	if !errdefs.IsNotFound(err) || !d.cfg.Docker.PullMissing {
		return container.CreateResponse{}, fmt.Errorf("create container: %w", err)
	}
	logger.Info(ctx, "pulling sandbox image", zap.String("image", runSpec.Image))
	reader, pullErr := d.cli.ImagePull(ctx, runSpec.Image, image.PullOptions{})
	if pullErr != nil {
		return container.CreateResponse{}, fmt.Errorf("pull image %s: %w", runSpec.Image, pullErr)
	}
	_, _ = io.Copy(io.Discard, reader)
	_ = reader.Close()
	created, err = d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return container.CreateResponse{}, fmt.Errorf("create container: %w", err)
	}
	return created, nil
}

func (d *dockerEngine) removeContainer(ctx context.Context, containerID string) {
	removeCtx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	err := d.cli.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		logger.Warn(ctx, "remove container failed", zap.String("container", containerID), zap.Error(err))
	}
}

// memorySampler polls the container's host cgroup while it runs. The cgroup is
// gone once the container exits, so memory.peak cannot be read afterwards.
type memorySampler struct {
	paths []string
	peak  int64
	mu    sync.Mutex
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newMemorySampler(containerID string) *memorySampler {
	paths := make([]string, 0, len(cgroupMemoryPaths))
	for _, pattern := range cgroupMemoryPaths {
		paths = append(paths, filepath.Clean(fmt.Sprintf(pattern, containerID)))
	}
	return &memorySampler{paths: paths, done: make(chan struct{})}
}

func (s *memorySampler) start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(memorySampleInterval)
		defer ticker.Stop()
		for {
			s.sample()
			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *memorySampler) sample() {
	for _, path := range s.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		val, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.peak = max(s.peak, val)
		s.mu.Unlock()
		return
	}
}

func (s *memorySampler) stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *memorySampler) peakKB() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak / 1024
}
