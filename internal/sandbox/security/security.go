// Package security defines sandbox isolation settings.
package security

import (
	"fmt"
	"strconv"
	"strings"
)

// IsolationProfile describes namespace, identity and seccomp settings.
type IsolationProfile struct {
	RootFS         string
	SeccompProfile string
	DisableNetwork bool
	UID            int
	GID            int
}

// ParseUser parses a "uid:gid" pair. A bare uid reuses it as the gid.
// Root in either position is rejected.
func ParseUser(value string) (int, int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, 0, fmt.Errorf("sandbox user is empty")
	}
	uidPart, gidPart, found := strings.Cut(value, ":")
	uid, err := strconv.Atoi(uidPart)
	if err != nil || uid < 0 {
		return 0, 0, fmt.Errorf("invalid sandbox uid %q", uidPart)
	}
	gid := uid
	if found {
		gid, err = strconv.Atoi(gidPart)
		if err != nil || gid < 0 {
			return 0, 0, fmt.Errorf("invalid sandbox gid %q", gidPart)
		}
	}
	p := IsolationProfile{UID: uid, GID: gid}
	if err := p.CheckIdentity(); err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}

// CheckIdentity fails when the sandbox would keep root's uid or gid.
func (p IsolationProfile) CheckIdentity() error {
	if p.UID <= 0 || p.GID <= 0 {
		return fmt.Errorf("sandbox user must be unprivileged, got %s", p.User())
	}
	return nil
}

// User formats the profile identity as "uid:gid".
func (p IsolationProfile) User() string {
	return fmt.Sprintf("%d:%d", p.UID, p.GID)
}
