package hue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fauxhue/internal/actions"
	"github.com/dokzlo13/fauxhue/internal/upnp"
)

// Hue API error types used in acknowledgements
const (
	errResourceNotAvailable = 3
	errInvalidValue         = 7
	errInternal             = 901
)

// ErrDispatcherBusy fails every call of a request the dispatcher could not queue.
var ErrDispatcherBusy = errors.New("dispatcher busy")

type apiError struct {
	Type        int    `json:"type"`
	Address     string `json:"address"`
	Description string `json:"description"`
}

type errorAck struct {
	Error apiError `json:"error"`
}

type successAck struct {
	Success map[string]json.RawMessage `json:"success"`
}

// setting is one key/value pair of a control request body, raw value kept verbatim.
type setting struct {
	Key   string
	Value json.RawMessage
}

// decodeSettings reads a JSON object preserving member order.
func decodeSettings(body []byte) ([]setting, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("body is not a JSON object")
	}

	var out []setting
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		out = append(out, setting{Key: key, Value: raw})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after JSON object")
	}
	return out, nil
}

// pendingCall ties a handler call to the acknowledgement it may replace.
type pendingCall struct {
	ack  int
	call actions.Call
}

// handlePut applies settings to the light in order, then runs the resulting
// handler calls on the dispatcher. The response is sent once every call of
// the request has finished.
func (e *Emulator) handlePut(conn upnp.Conn, id string, body []byte) {
	l, ok := e.lights[id]
	if !ok {
		e.respondNotFound(conn, id)
		return
	}

	settings, err := decodeSettings(body)
	if err != nil {
		log.Debug().Err(err).Str("device", e.Name()).Str("light", id).Msg("Malformed control body dropped")
		return
	}

	acks := make([]any, 0, len(settings))
	var pending []pendingCall

	for _, s := range settings {
		addr := fmt.Sprintf("/lights/%s/state/%s", id, s.Key)
		call := actions.Call{
			Device:  e.Name(),
			Light:   id,
			Setting: s.Key,
			Target:  l.Target,
			Handler: l.Handler,
		}

		switch s.Key {
		case "on":
			var on bool
			if err := json.Unmarshal(s.Value, &on); err != nil {
				// Not a bool: kept verbatim, nothing to call.
				l.State.Set("on", s.Value)
				break
			}
			l.State.Set("on", on)
			call.Action = actions.ActionOff
			if on {
				call.Action = actions.ActionOn
			}
			pending = append(pending, pendingCall{ack: len(acks), call: call})

		case "bri":
			level, ok := parseBri(s.Value)
			if !ok {
				acks = append(acks, errorAck{Error: apiError{
					Type:        errInvalidValue,
					Address:     addr,
					Description: fmt.Sprintf("invalid value, %s, for parameter, bri", s.Value),
				}})
				continue
			}
			l.State.Set("bri", level)
			call.Action = actions.ActionDim
			call.Level = uint8(level)
			pending = append(pending, pendingCall{ack: len(acks), call: call})

		default:
			l.State.Set(s.Key, s.Value)
		}

		acks = append(acks, successAck{Success: map[string]json.RawMessage{addr: s.Value}})
	}

	if len(pending) == 0 {
		e.respondAcks(conn, acks)
		return
	}

	calls := make([]actions.Call, len(pending))
	for i, p := range pending {
		calls[i] = p.call
	}

	conn.Hold()
	ok = e.dispatcher.Submit(e.Name()+"/"+id, func(ctx context.Context) {
		results := e.invoker.Run(ctx, calls)
		e.poster.Post(func() {
			e.completePut(conn, l, acks, pending, results)
		})
	})
	if !ok {
		results := make([]actions.Result, len(calls))
		for i, c := range calls {
			results[i] = actions.Result{Call: c, Err: ErrDispatcherBusy}
		}
		e.completePut(conn, l, acks, pending, results)
	}
}

// completePut runs on the loop with the outcome of a request's handler calls.
func (e *Emulator) completePut(conn upnp.Conn, l *Light, acks []any, pending []pendingCall, results []actions.Result) {
	failed := false
	for i, res := range results {
		if res.Err == nil || i >= len(pending) {
			continue
		}
		failed = true
		acks[pending[i].ack] = errorAck{Error: apiError{
			Type:        errInternal,
			Address:     fmt.Sprintf("/lights/%s/state/%s", l.ID, res.Call.Setting),
			Description: fmt.Sprintf("internal error, %v", res.Err),
		}}
	}
	l.State.Set("reachable", !failed)

	if failed {
		log.Warn().Str("device", e.Name()).Str("light", l.ID).Msg("Light marked unreachable after handler failure")
	}
	e.respondAcks(conn, acks)
}

func (e *Emulator) respondAcks(conn upnp.Conn, acks []any) {
	body, err := json.Marshal(acks)
	if err != nil {
		log.Error().Err(err).Str("device", e.Name()).Msg("Failed to encode acknowledgements")
		return
	}
	e.respondJSON(conn, body)
}

// parseBri accepts any JSON number, rounds it and clamps it to 0-255.
func parseBri(raw json.RawMessage) (int, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return clampBri(f), true
}
