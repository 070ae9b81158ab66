// Package workspace manages the shared scratch root that sandboxed attempts read and write.
//
// Every artifact an attempt produces embeds its session id in the file name, so
// concurrent attempts share one directory without colliding. Release removes a
// single session's files; Cleanup sweeps stale artifacts left by any session.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	appErr "codesandbox/pkg/errors"
	"codesandbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultRoot     = "/tmp/codesandbox"
	defaultGraceAge = 2 * time.Minute
)

// artifactPattern matches every file name the sandbox generates, including
// compiler intermediates (gcc writes ccXXXXXX.* into TMPDIR) and class files a
// submission managed to write outside its output directory.
var artifactPattern = regexp.MustCompile(
	`^(?:(?:code|exec|input|stdout|stderr)\d+_[0-9a-f]{8}_\d+.*` +
		`|Solution\d+_[0-9a-f]{8}_\d+.*\.(?:java|class)` +
		`|[A-Za-z_$][\w$]*\.class` +
		`|cc[A-Za-z0-9]{6}\.\w+)$`)

// artifactDirPattern matches per-session compiler output directories.
var artifactDirPattern = regexp.MustCompile(`^classes\d+_[0-9a-f]{8}_\d+$`)

// Config controls the workspace root and the sweep grace period.
type Config struct {
	Root string `yaml:"root"`
	// GraceAge protects files of in-flight attempts from the global sweep.
	GraceAge time.Duration `yaml:"graceAge"`
}

// Manager owns the shared scratch root.
type Manager struct {
	root  string
	grace time.Duration
	now   func() time.Time
}

// NewManager creates a workspace manager.
func NewManager(cfg Config) *Manager {
	if cfg.Root == "" {
		cfg.Root = defaultRoot
	}
	if cfg.GraceAge <= 0 {
		cfg.GraceAge = defaultGraceAge
	}
	return &Manager{root: cfg.Root, grace: cfg.GraceAge, now: time.Now}
}

// Root returns the scratch root path.
func (m *Manager) Root() string {
	return m.root
}

// NewSessionID returns a collision-resistant id for the index-th attempt of a request.
func NewSessionID(index int) string {
	return fmt.Sprintf("%s_%d", newRequestStamp(), index)
}

// NewSessionIDs returns n session ids sharing one request stamp, indexed from 0.
func NewSessionIDs(n int) []string {
	stamp := newRequestStamp()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s_%d", stamp, i)
	}
	return ids
}

func newRequestStamp() string {
	return fmt.Sprintf("%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Allocate creates the shared scratch root if needed and returns it.
// The root is world-writable so the unprivileged sandbox user can create binaries in it.
func (m *Manager) Allocate(sessionID string) (string, error) {
	if sessionID == "" {
		return "", appErr.ValidationError("session_id", "required")
	}
	if err := os.MkdirAll(m.root, 0o777); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceError, "create workspace root failed")
	}
	if err := os.Chmod(m.root, 0o777); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceError, "chmod workspace root failed")
	}
	return m.root, nil
}

// MakeDir creates a per-session directory under root. It is world-writable for
// the same reason as the root, and so that the service can empty it afterwards.
func (m *Manager) MakeDir(root, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || !artifactDirPattern.MatchString(name) {
		return "", appErr.ValidationError("dirname", "must be a session output directory name")
	}
	path := filepath.Join(root, name)
	if err := os.RemoveAll(path); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceError, "remove stale directory failed")
	}
	if err := os.Mkdir(path, 0o777); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceError, "create directory failed")
	}
	if err := os.Chmod(path, 0o777); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceError, "chmod directory failed")
	}
	return path, nil
}

// WriteSource writes a source file readable by the sandbox user, replacing any stale copy.
func (m *Manager) WriteSource(root, filename, content string) (string, error) {
	return m.write(root, filename, content, 0o644)
}

// WriteFile writes an auxiliary file such as redirected stdin.
func (m *Manager) WriteFile(root, filename, content string) (string, error) {
	return m.write(root, filename, content, 0o644)
}

func (m *Manager) write(root, filename, content string, perm os.FileMode) (string, error) {
	if filename == "" || filename != filepath.Base(filename) {
		return "", appErr.ValidationError("filename", "must be a plain file name")
	}
	path := filepath.Join(root, filename)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", appErr.Wrapf(err, appErr.WorkspaceError, "remove stale file failed")
	}
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceError, "write file failed")
	}
	// WriteFile honours umask.
	if err := os.Chmod(path, perm); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceError, "chmod file failed")
	}
	return path, nil
}

// Release deletes every artifact named after sessionID and returns how many were removed.
func (m *Manager) Release(ctx context.Context, sessionID string) int {
	if sessionID == "" {
		return 0
	}
	return m.remove(ctx, func(name string, info fs.FileInfo) bool {
		if info.IsDir() && !artifactDirPattern.MatchString(name) {
			return false
		}
		return HasSession(name, sessionID)
	})
}

// Cleanup sweeps generated artifacts of all sessions older than the grace age.
func (m *Manager) Cleanup(ctx context.Context) int {
	return m.Sweep(ctx, m.grace)
}

// Sweep deletes generated artifacts whose modification time is older than olderThan.
// A non-positive olderThan removes every matching file. Session output
// directories are removed whole; other directories and unrecognised files are
// never touched. Failures are logged and skipped.
func (m *Manager) Sweep(ctx context.Context, olderThan time.Duration) int {
	cutoff := m.now().Add(-olderThan)
	return m.remove(ctx, func(name string, info fs.FileInfo) bool {
		if info.IsDir() {
			if !artifactDirPattern.MatchString(name) {
				return false
			}
		} else if !IsArtifact(name) {
			return false
		}
		return olderThan <= 0 || info.ModTime().Before(cutoff)
	})
}

func (m *Manager) remove(ctx context.Context, match func(name string, info fs.FileInfo) bool) int {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn(ctx, "read workspace root failed", zap.String("root", m.root), zap.Error(err))
		}
		return 0
	}
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// Removed concurrently.
			continue
		}
		if !match(entry.Name(), info) {
			continue
		}
		path := filepath.Join(m.root, entry.Name())
		del := os.Remove
		if entry.IsDir() {
			del = os.RemoveAll
		}
		if err := del(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Warn(ctx, "remove workspace file failed", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		removed++
	}
	return removed
}

// IsArtifact reports whether name follows a generated-artifact naming pattern.
func IsArtifact(name string) bool {
	return artifactPattern.MatchString(name)
}

// HasSession reports whether name embeds sessionID as a whole token.
// Session ids end in a decimal index, so "x_1" must not match "x_12".
func HasSession(name, sessionID string) bool {
	offset := 0
	for {
		idx := strings.Index(name[offset:], sessionID)
		if idx < 0 {
			return false
		}
		end := offset + idx + len(sessionID)
		if end == len(name) || name[end] < '0' || name[end] > '9' {
			return true
		}
		offset += idx + 1
	}
}
