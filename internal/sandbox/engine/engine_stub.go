//go:build !linux

package engine

import "fmt"

// NewEngine reports that the native backend needs Linux; use the docker backend elsewhere.
func NewEngine(cfg Config) (Engine, error) {
	return nil, fmt.Errorf("native sandbox engine is only supported on linux")
}
