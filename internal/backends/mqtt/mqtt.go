// Package mqtt drives lights by publishing zigbee2mqtt style commands.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fauxhue/internal/backends"
	"github.com/dokzlo13/fauxhue/internal/config"
)

// Name is the backend name used in logs
const Name = "mqtt"

const defaultConnectTimeout = 10 * time.Second

// PublishFunc sends one payload to a topic
type PublishFunc func(ctx context.Context, topic string, payload []byte) error

// Handler publishes commands. Targets are command topics.
type Handler struct {
	publish PublishFunc
}

// NewHandler creates a handler publishing through fn
func NewHandler(fn PublishFunc) *Handler {
	return &Handler{publish: fn}
}

type command struct {
	State      string `json:"state,omitempty"`
	Brightness *uint8 `json:"brightness,omitempty"`
}

// Probe connects to the broker and returns the configured lights. It returns
// nil when the backend is disabled.
func Probe(ctx context.Context, cfg config.MQTTConfig) (*backends.Backend, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker is required")
	}

	lights := make([]backends.Light, 0, len(cfg.Lights))
	for _, l := range cfg.Lights {
		if l.Name == "" || l.CommandTopic == "" {
			return nil, fmt.Errorf("mqtt: light needs name and command_topic")
		}
		lights = append(lights, backends.Light{
			Name:   l.Name,
			On:     l.On,
			Bri:    backends.ClampBri(l.Bri),
			Target: l.CommandTopic,
		})
	}
	if len(lights) == 0 {
		return nil, nil
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn().Err(err).Str("backend", Name).Msg("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		log.Debug().Str("backend", Name).Str("broker", cfg.Broker).Msg("MQTT connected")
	})

	timeout := cfg.ConnectTimeout.Duration()
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect to %s: timed out after %s", cfg.Broker, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}

	log.Info().
		Str("backend", Name).
		Str("broker", cfg.Broker).
		Int("lights", len(lights)).
		Msg("Connected to MQTT broker")

	return &backends.Backend{
		Name:    Name,
		Handler: NewHandler(clientPublisher(client, cfg.QoS, cfg.Retained)),
		Lights:  lights,
		Close:   func() { client.Disconnect(250) },
	}, nil
}

// clientPublisher waits for the broker acknowledgement or ctx, whichever
// comes first.
func clientPublisher(client paho.Client, qos byte, retained bool) PublishFunc {
	return func(ctx context.Context, topic string, payload []byte) error {
		token := client.Publish(topic, qos, retained, payload)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-token.Done():
			return token.Error()
		}
	}
}

func (h *Handler) send(ctx context.Context, target any, cmd command) error {
	topic, ok := target.(string)
	if !ok || topic == "" {
		return fmt.Errorf("mqtt: unexpected target %T", target)
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := h.publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	log.Debug().Str("backend", Name).Str("topic", topic).RawJSON("payload", payload).Msg("Command published")
	return nil
}

// On publishes {"state":"ON"}
func (h *Handler) On(ctx context.Context, target any) error {
	return h.send(ctx, target, command{State: "ON"})
}

// Off publishes {"state":"OFF"}
func (h *Handler) Off(ctx context.Context, target any) error {
	return h.send(ctx, target, command{State: "OFF"})
}

// Dim publishes {"brightness":level}
func (h *Handler) Dim(ctx context.Context, target any, level uint8) error {
	return h.send(ctx, target, command{Brightness: &level})
}
