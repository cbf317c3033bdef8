// Package actions defines the on/off/dim capability every light backend
// implements, and runs those calls off the control loop.
package actions

import (
	"context"
	"fmt"
)

// Handler drives one backend. Target is the backend-private handle the
// backend attached to the light when it was enumerated.
type Handler interface {
	On(ctx context.Context, target any) error
	Off(ctx context.Context, target any) error
	Dim(ctx context.Context, target any, level uint8) error
}

// NopHandler accepts every call and does nothing.
type NopHandler struct{}

func (NopHandler) On(context.Context, any) error         { return nil }
func (NopHandler) Off(context.Context, any) error        { return nil }
func (NopHandler) Dim(context.Context, any, uint8) error { return nil }

// HandlerFuncs builds a Handler from plain functions. A nil function accepts the call.
type HandlerFuncs struct {
	OnFunc  func(ctx context.Context, target any) error
	OffFunc func(ctx context.Context, target any) error
	DimFunc func(ctx context.Context, target any, level uint8) error
}

func (h HandlerFuncs) On(ctx context.Context, target any) error {
	if h.OnFunc == nil {
		return nil
	}
	return h.OnFunc(ctx, target)
}

func (h HandlerFuncs) Off(ctx context.Context, target any) error {
	if h.OffFunc == nil {
		return nil
	}
	return h.OffFunc(ctx, target)
}

func (h HandlerFuncs) Dim(ctx context.Context, target any, level uint8) error {
	if h.DimFunc == nil {
		return nil
	}
	return h.DimFunc(ctx, target, level)
}

// Action names one capability
type Action string

const (
	ActionOn  Action = "on"
	ActionOff Action = "off"
	ActionDim Action = "dim"
)

// Call is one handler invocation derived from a control request setting.
type Call struct {
	Device  string // Emulated bridge name
	Light   string // Light id on that bridge
	Setting string // Request setting that produced the call ("on", "bri")
	Action  Action
	Level   uint8 // Dim only
	Target  any
	Handler Handler
}

func (c Call) execute(ctx context.Context) error {
	h := c.Handler
	if h == nil {
		h = NopHandler{}
	}
	switch c.Action {
	case ActionOn:
		return h.On(ctx, c.Target)
	case ActionOff:
		return h.Off(ctx, c.Target)
	case ActionDim:
		return h.Dim(ctx, c.Target, c.Level)
	default:
		return fmt.Errorf("unknown action %q", c.Action)
	}
}

// Result pairs a call with its outcome. Err is nil on success.
type Result struct {
	Call Call
	Err  error
}
