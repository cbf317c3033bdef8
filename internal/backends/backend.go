// Package backends describes the lighting systems that emulated lights are
// bridged to. Each sub-package probes one kind of system.
package backends

import (
	"github.com/dokzlo13/fauxhue/internal/actions"
)

// Light is one controllable light found on a backend
type Light struct {
	Name   string
	On     bool
	Bri    uint8
	Target any // Backend specific handle passed back to the handler
}

// Backend is a probed lighting system. A nil *Backend means the system is
// not available.
type Backend struct {
	Name    string
	Handler actions.Handler
	Lights  []Light
	Close   func()
}

// Shutdown releases backend resources, if any
func (b *Backend) Shutdown() {
	if b != nil && b.Close != nil {
		b.Close()
	}
}

// ClampBri converts a configured brightness to the Hue range
func ClampBri(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}
