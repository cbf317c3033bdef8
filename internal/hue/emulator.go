// Package hue emulates the local API of a Philips Hue bridge on top of a
// virtual UPnP device.
package hue

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fauxhue/internal/actions"
	"github.com/dokzlo13/fauxhue/internal/upnp"
)

// Protocol is the SSDP routing tag of Hue emulators
const Protocol = "hue"

const lastModified = "Sat, 01 Jan 2000 00:01:15 GMT"

// Poster runs a function on the control loop
type Poster interface {
	Post(fn func())
}

// Submitter queues handler work off the control loop
type Submitter interface {
	Submit(key string, job actions.Job) bool
}

// Runner executes handler calls
type Runner interface {
	Run(ctx context.Context, calls []actions.Call) []actions.Result
}

// Config describes one emulated bridge
type Config struct {
	Name string
	IP   string
	Port int
	Now  func() time.Time
}

// Emulator is one emulated Hue bridge. Request handling and light state are
// confined to the control loop.
type Emulator struct {
	*upnp.Device

	serial      string
	description []byte

	poster     Poster
	dispatcher Submitter
	invoker    Runner

	lights map[string]*Light
	order  []string
	nextID int
}

// New binds the bridge's listening socket and registers it with reg.
func New(reg upnp.Registry, poster Poster, dispatcher Submitter, invoker Runner, cfg Config) (*Emulator, error) {
	e := &Emulator{
		serial:     upnp.PersistentSerial(cfg.Name),
		poster:     poster,
		dispatcher: dispatcher,
		invoker:    invoker,
		lights:     make(map[string]*Light),
		nextID:     1,
	}

	dev, err := upnp.NewDevice(reg, upnp.Config{
		Name:           cfg.Name,
		IP:             cfg.IP,
		Port:           cfg.Port,
		Protocol:       Protocol,
		PersistentUUID: upnp.PersistentID(cfg.Name),
		ExtraHeaders:   []string{"X-User-Agent: redsonic"},
		Now:            cfg.Now,
	}, e)
	if err != nil {
		return nil, fmt.Errorf("hue bridge %q: %w", cfg.Name, err)
	}
	e.Device = dev

	e.description, err = renderDescription(dev.IP(), dev.Port(), e.serial)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("render description: %w", err)
	}

	log.Info().
		Str("device", cfg.Name).
		Str("serial", e.serial).
		Str("location", dev.Location()).
		Msg("Hue bridge ready")
	return e, nil
}

// Serial returns the persistent serial derived from the bridge name
func (e *Emulator) Serial() string { return e.serial }

// AddLight registers a light and returns its id. Ids start at "1" and are
// never reused. A nil handler accepts every call.
func (e *Emulator) AddLight(name string, on bool, bri uint8, target any, handler actions.Handler) string {
	if handler == nil {
		handler = actions.NopHandler{}
	}

	n := e.nextID
	e.nextID++
	id := strconv.Itoa(n)

	e.lights[id] = &Light{
		ID:       id,
		Name:     name,
		State:    newState(on, bri),
		UniqueID: uniqueID(e.serial, n),
		Target:   target,
		Handler:  handler,
	}
	e.order = append(e.order, id)

	log.Info().
		Str("device", e.Name()).
		Str("light", id).
		Str("name", name).
		Bool("on", on).
		Uint8("bri", bri).
		Msg("Light added")
	return id
}

// Light returns the light with id
func (e *Emulator) Light(id string) (*Light, bool) {
	l, ok := e.lights[id]
	return l, ok
}

// Lights returns a snapshot of every light in creation order
func (e *Emulator) Lights() []LightInfo {
	out := make([]LightInfo, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.lights[id].info())
	}
	return out
}

// HandleRequest serves one buffered request. It returns false while the
// request is incomplete. Requests it does not recognize get no answer.
func (e *Emulator) HandleRequest(data []byte, sender net.Addr, conn upnp.Conn) bool {
	// The header block must be complete before a partial request line can be told from a bad one.
	if !bytes.Contains(data, []byte("\r\n\r\n")) && !bytes.Contains(data, []byte("\n\n")) {
		return false
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return false
		}
		log.Debug().Err(err).Str("device", e.Name()).Str("remote", sender.String()).Msg("Malformed request dropped")
		return true
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return false
		}
		log.Debug().Err(err).Str("device", e.Name()).Msg("Unreadable request body dropped")
		return true
	}

	logger := log.Debug().
		Str("device", e.Name()).
		Str("conn", conn.ID()).
		Str("remote", sender.String()).
		Str("method", req.Method).
		Str("path", req.URL.Path)

	segs := strings.Split(strings.TrimSuffix(req.URL.Path, "/"), "/")
	isLights := len(segs) >= 4 && segs[1] == "api" && segs[3] == "lights"

	switch {
	case req.Method == http.MethodGet && strings.HasSuffix(req.URL.Path, "/description.xml"):
		logger.Msg("Serving description")
		e.respond(conn, http.StatusOK, "text/xml", e.description)

	case req.Method == http.MethodGet && isLights && len(segs) == 4:
		logger.Msg("Serving lights")
		e.respondJSON(conn, e.marshalLights())

	case req.Method == http.MethodGet && isLights && len(segs) == 5:
		logger.Msg("Serving light")
		l, ok := e.lights[segs[4]]
		if !ok {
			e.respondNotFound(conn, segs[4])
			return true
		}
		doc, err := json.Marshal(l)
		if err != nil {
			log.Error().Err(err).Str("light", l.ID).Msg("Failed to encode light")
			return true
		}
		e.respondJSON(conn, doc)

	case req.Method == http.MethodPut && isLights && (len(segs) == 5 || (len(segs) == 6 && segs[5] == "state")):
		logger.Msg("Light control")
		e.handlePut(conn, segs[4], body)

	default:
		logger.Msg("Ignoring request")
	}
	return true
}

// marshalLights encodes the listing as an object keyed by id in creation order.
func (e *Emulator) marshalLights() []byte {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, id := range e.order {
		doc, err := json.Marshal(e.lights[id])
		if err != nil {
			log.Error().Err(err).Str("light", id).Msg("Failed to encode light")
			continue
		}
		if i > 0 {
			b.WriteByte(',')
		}
		key, _ := json.Marshal(id)
		b.Write(key)
		b.WriteByte(':')
		b.Write(doc)
	}
	b.WriteByte('}')
	return b.Bytes()
}

func (e *Emulator) respondJSON(conn upnp.Conn, body []byte) {
	e.respond(conn, http.StatusOK, "application/json", body)
}

func (e *Emulator) respondNotFound(conn upnp.Conn, id string) {
	addr := "/lights/" + id
	body, _ := json.Marshal([]errorAck{{Error: apiError{
		Type:        errResourceNotAvailable,
		Address:     addr,
		Description: fmt.Sprintf("resource, %s, not available", addr),
	}}})
	e.respond(conn, http.StatusNotFound, "application/json", body)
}

// respond writes a complete response and closes the connection.
func (e *Emulator) respond(conn upnp.Conn, status int, contentType string, body []byte) {
	if conn.Closed() {
		return
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&b, "CONTENT-LENGTH: %d\r\n", len(body))
	fmt.Fprintf(&b, "CONTENT-TYPE: %s\r\n", contentType)
	fmt.Fprintf(&b, "DATE: %s\r\n", e.Now().UTC().Format(http.TimeFormat))
	fmt.Fprintf(&b, "LAST-MODIFIED: %s\r\n", lastModified)
	fmt.Fprintf(&b, "SERVER: %s\r\n", e.ServerVersion())
	b.WriteString("X-User-Agent: redsonic\r\n")
	b.WriteString("CONNECTION: close\r\n")
	b.WriteString("\r\n")
	b.Write(body)

	if err := conn.Send(b.Bytes()); err != nil {
		log.Debug().Err(err).Str("device", e.Name()).Str("conn", conn.ID()).Msg("Failed to send response")
	}
	conn.Close()
}
