//go:build linux

package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codesandbox/internal/sandbox/spec"
)

const cpuPeriodUsec = 100000

// ensureCgroupRoot creates the parent cgroup and enables the controllers runs rely on.
func ensureCgroupRoot(root string) error {
	if root == "" {
		return fmt.Errorf("cgroup root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create cgroup root: %w", err)
	}
	// Fails harmlessly when the controllers are already enabled.
	_ = writeCgroupValue(root, "cgroup.subtree_control", "+memory +pids +cpu")
	return nil
}

func createRunCgroup(root string, runSpec spec.RunSpec) (string, func(), error) {
	if root == "" {
		return "", func() {}, fmt.Errorf("cgroup root is required")
	}
	cgroupPath := filepath.Join(root, fmt.Sprintf("%s-%s", runSpec.SessionID, runSpec.Phase))
	if err := os.MkdirAll(cgroupPath, 0o750); err != nil {
		return "", func() {}, fmt.Errorf("create cgroup path: %w", err)
	}
	cleanup := func() {
		// rmdir only succeeds once every member process has exited.
		_ = killCgroup(cgroupPath)
		_ = os.Remove(cgroupPath)
	}
	return cgroupPath, cleanup, nil
}

func applyCgroupLimits(cgroupPath string, limits spec.ResourceLimit) error {
	pidsValue := "max"
	if limits.PIDs > 0 {
		pidsValue = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return err
	}
	if limits.MemoryBytes > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(limits.MemoryBytes, 10)); err != nil {
			return err
		}
		if err := writeCgroupValue(cgroupPath, "memory.swap.max", strconv.FormatInt(max(limits.SwapBytes, 0), 10)); err != nil {
			// memory.swap.max is absent when swap accounting is off; no swap can be used then.
			if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}
	if err := writeCgroupValue(cgroupPath, "cpu.max", cpuMax(limits.CPUFraction)); err != nil {
		return err
	}
	return nil
}

func cpuMax(fraction float64) string {
	if fraction <= 0 {
		return fmt.Sprintf("max %d", cpuPeriodUsec)
	}
	quota := int64(math.Ceil(fraction * cpuPeriodUsec))
	// The kernel rejects quotas below 1ms.
	quota = max(quota, 1000)
	return fmt.Sprintf("%d %d", quota, cpuPeriodUsec)
}

func killCgroup(cgroupPath string) error {
	if cgroupPath == "" {
		return nil
	}
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0o600)
}

func wasOomKilled(cgroupPath string) bool {
	if cgroupPath == "" {
		return false
	}
	data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

func cgroupCPUTimeMs(cgroupPath string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "cpu.stat"))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			val, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, err
			}
			return val / 1000, nil
		}
	}
	return 0, fmt.Errorf("usage_usec not found in cpu.stat")
}

func memoryPeakKB(cgroupPath string, state *os.ProcessState) int64 {
	if cgroupPath != "" {
		if val, err := readCgroupInt(cgroupPath, "memory.peak"); err == nil && val > 0 {
			return val / 1024
		}
	}
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss
	}
	return 0
}

func readCgroupInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func writeCgroupValue(cgroupPath, name, value string) error {
	path := filepath.Join(cgroupPath, name)
	if err := os.WriteFile(path, []byte(value), 0o640); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
