package engine

import (
	"strings"

	"codesandbox/internal/sandbox/spec"

	"github.com/puzpuzpuz/xsync/v3"
)

// registry tracks kill functions of in-flight runs keyed by "<session>/<phase>".
type registry struct {
	runs *xsync.MapOf[string, func()]
}

func newRegistry() *registry {
	return &registry{runs: xsync.NewMapOf[string, func()]()}
}

func registryKey(runSpec spec.RunSpec) string {
	return runSpec.SessionID + "/" + string(runSpec.Phase)
}

func (r *registry) add(key string, kill func()) {
	r.runs.Store(key, kill)
}

func (r *registry) remove(key string) {
	r.runs.Delete(key)
}

func (r *registry) killSession(sessionID string) int {
	prefix := sessionID + "/"
	killed := 0
	r.runs.Range(func(key string, kill func()) bool {
		if strings.HasPrefix(key, prefix) {
			kill()
			killed++
		}
		return true
	})
	return killed
}

func (r *registry) killAll() int {
	killed := 0
	r.runs.Range(func(_ string, kill func()) bool {
		kill()
		killed++
		return true
	})
	return killed
}

func (r *registry) size() int {
	return r.runs.Size()
}
