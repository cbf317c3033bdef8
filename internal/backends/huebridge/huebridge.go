// Package huebridge re-exports the lights of an upstream Hue bridge.
package huebridge

import (
	"context"
	"fmt"

	"github.com/amimof/huego"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fauxhue/internal/backends"
	"github.com/dokzlo13/fauxhue/internal/config"
)

// Name is the backend name used in logs
const Name = "huebridge"

// Handler forwards calls to huego lights. Targets are *huego.Light.
type Handler struct{}

// Probe connects to the configured bridge and lists its lights. It returns
// nil when the backend is disabled.
func Probe(ctx context.Context, cfg config.HueBridgeConfig) (*backends.Backend, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Address == "" || cfg.Username == "" {
		return nil, fmt.Errorf("huebridge: address and username are required")
	}

	bridge := huego.New(cfg.Address, cfg.Username)

	type result struct {
		lights []huego.Light
		err    error
	}
	done := make(chan result, 1)
	go func() {
		lights, err := bridge.GetLights()
		done <- result{lights, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("huebridge: list lights: %w", ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return nil, fmt.Errorf("huebridge: list lights: %w", res.err)
	}

	lights := make([]backends.Light, 0, len(res.lights))
	for i := range res.lights {
		hl := &res.lights[i]
		l := backends.Light{Name: hl.Name, Target: hl}
		if hl.State != nil {
			l.On = hl.State.On
			l.Bri = hl.State.Bri
		}
		lights = append(lights, l)
	}

	log.Info().
		Str("backend", Name).
		Str("address", cfg.Address).
		Int("lights", len(lights)).
		Msg("Connected to upstream Hue bridge")

	return &backends.Backend{
		Name:    Name,
		Handler: Handler{},
		Lights:  lights,
	}, nil
}

func light(target any) (*huego.Light, error) {
	l, ok := target.(*huego.Light)
	if !ok || l == nil {
		return nil, fmt.Errorf("huebridge: unexpected target %T", target)
	}
	return l, nil
}

// On turns the upstream light on
func (Handler) On(_ context.Context, target any) error {
	l, err := light(target)
	if err != nil {
		return err
	}
	return l.On()
}

// Off turns the upstream light off
func (Handler) Off(_ context.Context, target any) error {
	l, err := light(target)
	if err != nil {
		return err
	}
	return l.Off()
}

// Dim sets the upstream light's brightness
func (Handler) Dim(_ context.Context, target any, level uint8) error {
	l, err := light(target)
	if err != nil {
		return err
	}
	return l.Bri(level)
}
