package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fauxhue/internal/backends"
	"github.com/dokzlo13/fauxhue/internal/backends/huebridge"
	"github.com/dokzlo13/fauxhue/internal/backends/mqtt"
	"github.com/dokzlo13/fauxhue/internal/backends/script"
	"github.com/dokzlo13/fauxhue/internal/backends/static"
	"github.com/dokzlo13/fauxhue/internal/config"
	"github.com/dokzlo13/fauxhue/internal/hue"
)

// BridgeStatus describes one emulated bridge
type BridgeStatus struct {
	Name     string          `json:"name"`
	Serial   string          `json:"serial"`
	Location string          `json:"location"`
	Port     int             `json:"port"`
	Lights   []hue.LightInfo `json:"lights"`
}

// ProbeBackends asks every configured backend for its lights. A backend
// that fails is logged and skipped.
func ProbeBackends(ctx context.Context, cfg config.BackendsConfig) []*backends.Backend {
	probes := []struct {
		name  string
		probe func(context.Context) (*backends.Backend, error)
	}{
		{static.Name, func(ctx context.Context) (*backends.Backend, error) { return static.Probe(ctx, cfg.Static) }},
		{huebridge.Name, func(ctx context.Context) (*backends.Backend, error) { return huebridge.Probe(ctx, cfg.HueBridge) }},
		{mqtt.Name, func(ctx context.Context) (*backends.Backend, error) { return mqtt.Probe(ctx, cfg.MQTT) }},
		{script.Name, func(ctx context.Context) (*backends.Backend, error) { return script.Probe(ctx, cfg.Script) }},
	}

	var found []*backends.Backend
	for _, p := range probes {
		b, err := p.probe(ctx)
		if err != nil {
			log.Warn().Err(err).Str("backend", p.name).Msg("Backend unavailable")
			continue
		}
		if b == nil {
			log.Debug().Str("backend", p.name).Msg("Backend not configured")
			continue
		}
		log.Info().Str("backend", b.Name).Int("lights", len(b.Lights)).Msg("Backend ready")
		found = append(found, b)
	}
	return found
}

// addLights registers every backend light on e. Must run before the loop
// starts or on the loop goroutine.
func addLights(e *hue.Emulator, found []*backends.Backend) int {
	n := 0
	for _, b := range found {
		for _, l := range b.Lights {
			e.AddLight(l.Name, l.On, l.Bri, l.Target, b.Handler)
			n++
		}
	}
	return n
}

func bridgeStatus(e *hue.Emulator) BridgeStatus {
	return BridgeStatus{
		Name:     e.Name(),
		Serial:   e.Serial(),
		Location: e.Location(),
		Port:     e.Port(),
		Lights:   e.Lights(),
	}
}
