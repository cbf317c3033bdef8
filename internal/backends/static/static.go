// Package static provides in-memory lights declared in the config file. Calls
// are logged and tracked but reach no hardware.
package static

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fauxhue/internal/backends"
	"github.com/dokzlo13/fauxhue/internal/config"
)

// Name is the backend name used in logs
const Name = "static"

// State is the tracked state of one light
type State struct {
	On  bool
	Bri uint8
}

// Handler records calls against in-memory lights. Targets are light names.
type Handler struct {
	mu     sync.Mutex
	states map[string]State
}

// NewHandler creates a handler tracking the given lights
func NewHandler(lights []backends.Light) *Handler {
	h := &Handler{states: make(map[string]State, len(lights))}
	for _, l := range lights {
		h.states[l.Name] = State{On: l.On, Bri: l.Bri}
	}
	return h
}

// Probe returns the configured lights, or nil when the backend is disabled
// or declares none.
func Probe(_ context.Context, cfg config.StaticConfig) (*backends.Backend, error) {
	if !cfg.Enabled || len(cfg.Lights) == 0 {
		return nil, nil
	}

	lights := make([]backends.Light, 0, len(cfg.Lights))
	for _, l := range cfg.Lights {
		if l.Name == "" {
			return nil, fmt.Errorf("static light without a name")
		}
		lights = append(lights, backends.Light{
			Name:   l.Name,
			On:     l.On,
			Bri:    backends.ClampBri(l.Bri),
			Target: l.Name,
		})
	}

	return &backends.Backend{
		Name:    Name,
		Handler: NewHandler(lights),
		Lights:  lights,
	}, nil
}

// State returns the tracked state of a light
func (h *Handler) State(name string) (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.states[name]
	return s, ok
}

func (h *Handler) update(target any, fn func(*State)) (string, error) {
	name, ok := target.(string)
	if !ok {
		return "", fmt.Errorf("static: unexpected target %T", target)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.states[name]
	if !ok {
		return "", fmt.Errorf("static: unknown light %q", name)
	}
	fn(&s)
	h.states[name] = s
	return name, nil
}

// On turns a light on
func (h *Handler) On(_ context.Context, target any) error {
	name, err := h.update(target, func(s *State) { s.On = true })
	if err != nil {
		return err
	}
	log.Info().Str("backend", Name).Str("light", name).Msg("Light on")
	return nil
}

// Off turns a light off
func (h *Handler) Off(_ context.Context, target any) error {
	name, err := h.update(target, func(s *State) { s.On = false })
	if err != nil {
		return err
	}
	log.Info().Str("backend", Name).Str("light", name).Msg("Light off")
	return nil
}

// Dim sets the brightness of a light
func (h *Handler) Dim(_ context.Context, target any, level uint8) error {
	name, err := h.update(target, func(s *State) { s.Bri = level })
	if err != nil {
		return err
	}
	log.Info().Str("backend", Name).Str("light", name).Uint8("bri", level).Msg("Light dimmed")
	return nil
}
