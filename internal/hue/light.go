package hue

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dokzlo13/fauxhue/internal/actions"
)

// Fixed metadata the discovering client's parser expects on every light
const (
	lightType      = "Extended color light"
	lightModelID   = "LCT001"
	lightSWVersion = "65003148"
)

var pointSymbol = map[string]string{
	"1": "none", "2": "none", "3": "none", "4": "none",
	"5": "none", "6": "none", "7": "none", "8": "none",
}

// State is a light's state object. Keys keep insertion order so the
// document reads like a real bridge's; settings unknown to us are kept
// verbatim and appended.
type State struct {
	keys   []string
	values map[string]any
}

func newState(on bool, bri uint8) *State {
	s := &State{values: make(map[string]any)}
	s.Set("on", on)
	s.Set("bri", int(bri))
	s.Set("hue", 0)
	s.Set("sat", 0)
	s.Set("xy", []float64{0, 0})
	s.Set("ct", 0)
	s.Set("alert", "none")
	s.Set("effect", "none")
	s.Set("colormode", "hs")
	s.Set("reachable", true)
	return s
}

// Set stores v under key, appending the key the first time it is seen
func (s *State) Set(key string, v any) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = v
}

// Get returns the stored value for key
func (s *State) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// On reports the on flag, false when it holds a non-bool passthrough value
func (s *State) On() bool {
	on, _ := s.values["on"].(bool)
	return on
}

// Bri returns the stored brightness
func (s *State) Bri() int {
	bri, _ := s.values["bri"].(int)
	return bri
}

// Reachable reports whether the last handler batch succeeded
func (s *State) Reachable() bool {
	r, _ := s.values["reachable"].(bool)
	return r
}

func (s *State) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range s.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(s.values[k])
		if err != nil {
			return nil, fmt.Errorf("state %q: %w", k, err)
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// Light is one emulated bulb. It is owned by its emulator and only touched
// from the control loop.
type Light struct {
	ID       string
	Name     string
	State    *State
	UniqueID string
	Target   any
	Handler  actions.Handler
}

type lightDoc struct {
	State       *State            `json:"state"`
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	ModelID     string            `json:"modelid"`
	SWVersion   string            `json:"swversion"`
	UniqueID    string            `json:"uniqueid"`
	PointSymbol map[string]string `json:"pointsymbol"`
}

func (l *Light) MarshalJSON() ([]byte, error) {
	return json.Marshal(lightDoc{
		State:       l.State,
		Type:        lightType,
		Name:        l.Name,
		ModelID:     lightModelID,
		SWVersion:   lightSWVersion,
		UniqueID:    l.UniqueID,
		PointSymbol: pointSymbol,
	})
}

// uniqueID builds a Hue-style MAC based unique id from the bridge serial and light number.
func uniqueID(serial string, n int) string {
	return fmt.Sprintf("00:17:88:01:00:%s:%s:%02x-0b", serial[0:2], serial[2:4], n)
}

// LightInfo is a read-only snapshot of one light
type LightInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	On        bool   `json:"on"`
	Bri       int    `json:"bri"`
	Reachable bool   `json:"reachable"`
}

func (l *Light) info() LightInfo {
	return LightInfo{
		ID:        l.ID,
		Name:      l.Name,
		On:        l.State.On(),
		Bri:       l.State.Bri(),
		Reachable: l.State.Reachable(),
	}
}

func clampBri(f float64) int {
	switch {
	case f < 0:
		return 0
	case f > 255:
		return 255
	}
	return int(f + 0.5)
}
