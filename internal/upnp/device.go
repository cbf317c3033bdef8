// Package upnp implements a virtual network device: one listening TCP
// endpoint whose connections are driven by the control loop, plus the SSDP
// search response that advertises it.
package upnp

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fauxhue/internal/poller"
)

const (
	// DefaultLocationTemplate renders the LOCATION header of search responses.
	DefaultLocationTemplate = "http://{{.IP}}:{{.Port}}/description.xml"
	// DefaultServerVersion is sent in SERVER headers.
	DefaultServerVersion = "Unspecified, UPnP/1.0, Unspecified"

	// MaxRequestSize caps bytes buffered on one connection while waiting for a complete request.
	MaxRequestSize = 64 << 10

	readChunk = 4096
	// ioTimeout bounds a read or accept that follows a readiness report.
	ioTimeout = 50 * time.Millisecond
)

// Registry is the part of the poller a device needs.
type Registry interface {
	Add(fd int, h poller.Handler) error
	Remove(fd int) error
}

// RequestHandler receives everything buffered on a connection. It returns
// true once the bytes formed a request it consumed, false to keep them
// buffered until more data arrives.
type RequestHandler interface {
	HandleRequest(data []byte, sender net.Addr, conn Conn) bool
}

// Config describes one virtual device.
type Config struct {
	Name             string
	IP               string // Externally visible address, also the bind address
	Port             int    // 0 selects a free port
	Protocol         string // Routing tag used by the SSDP responder, e.g. "hue"
	PersistentUUID   string
	LocationTemplate string
	ServerVersion    string
	ExtraHeaders     []string
	Now              func() time.Time
}

// Device owns a listening socket and the connections accepted from it.
// Apart from RespondToSearch and the identity accessors, methods must be
// called from the control loop.
type Device struct {
	cfg        Config
	reg        Registry
	handler    RequestHandler
	listener   *net.TCPListener
	listenFD   int
	port       int
	instanceID uuid.UUID
	location   string
	conns      map[int]*conn
	closed     bool
}

// NewDevice binds the listening socket and registers it with reg. A bind
// failure is returned as a *NetworkError matching ErrBind.
func NewDevice(reg Registry, cfg Config, handler RequestHandler) (*Device, error) {
	if cfg.LocationTemplate == "" {
		cfg.LocationTemplate = DefaultLocationTemplate
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = DefaultServerVersion
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	tmpl, err := template.New("location").Parse(cfg.LocationTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse location template: %w", err)
	}

	addr := net.JoinHostPort(cfg.IP, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, &NetworkError{Op: "listen", Addr: addr, Err: fmt.Errorf("%w: %w", ErrBind, err)}
	}
	tcp := ln.(*net.TCPListener)

	fd, err := poller.FD(tcp)
	if err != nil {
		tcp.Close()
		return nil, &NetworkError{Op: "listen", Addr: addr, Err: err}
	}

	d := &Device{
		cfg:        cfg,
		reg:        reg,
		handler:    handler,
		listener:   tcp,
		listenFD:   fd,
		port:       tcp.Addr().(*net.TCPAddr).Port,
		instanceID: uuid.New(),
		conns:      make(map[int]*conn),
	}

	var loc bytes.Buffer
	if err := tmpl.Execute(&loc, struct {
		IP   string
		Port int
	}{cfg.IP, d.port}); err != nil {
		tcp.Close()
		return nil, fmt.Errorf("render location: %w", err)
	}
	d.location = loc.String()

	if err := reg.Add(fd, d); err != nil {
		tcp.Close()
		return nil, &NetworkError{Op: "register", Addr: addr, Err: err}
	}

	log.Info().
		Str("device", cfg.Name).
		Str("protocol", cfg.Protocol).
		Str("addr", tcp.Addr().String()).
		Msg("Virtual device listening")

	return d, nil
}

func (d *Device) Name() string           { return d.cfg.Name }
func (d *Device) Protocol() string       { return d.cfg.Protocol }
func (d *Device) IP() string             { return d.cfg.IP }
func (d *Device) Port() int              { return d.port }
func (d *Device) Location() string       { return d.location }
func (d *Device) PersistentUUID() string { return d.cfg.PersistentUUID }
func (d *Device) ServerVersion() string  { return d.cfg.ServerVersion }

// InstanceID is the random identifier generated for this process run.
func (d *Device) InstanceID() string { return d.instanceID.String() }

// Now returns the device clock
func (d *Device) Now() time.Time { return d.cfg.Now() }

// OpenConns returns the number of tracked client connections
func (d *Device) OpenConns() int { return len(d.conns) }

// OnReadable accepts on the listening socket or reads from a client.
func (d *Device) OnReadable(fd int) {
	if fd == d.listenFD {
		d.accept()
		return
	}

	c, ok := d.conns[fd]
	if !ok {
		log.Warn().Str("device", d.cfg.Name).Int("fd", fd).Msg("Readiness for unknown connection")
		return
	}
	d.read(c)
}

func (d *Device) accept() {
	d.listener.SetDeadline(time.Now().Add(ioTimeout))
	tc, err := d.listener.AcceptTCP()
	if err != nil {
		if isTimeout(err) {
			return
		}
		log.Warn().Err(err).Str("device", d.cfg.Name).Msg("Accept failed")
		return
	}

	c, err := newConn(d, tc)
	if err != nil {
		log.Warn().Err(err).Str("device", d.cfg.Name).Msg("Failed to track connection")
		tc.Close()
		return
	}
	d.conns[c.fd] = c

	log.Debug().
		Str("device", d.cfg.Name).
		Str("conn", c.id).
		Str("remote", c.remote.String()).
		Int("fd", c.fd).
		Msg("Connection accepted")
}

func (d *Device) read(c *conn) {
	buf := make([]byte, readChunk)
	c.tc.SetReadDeadline(time.Now().Add(ioTimeout))
	n, err := c.tc.Read(buf)
	if n == 0 {
		if err != nil && isTimeout(err) {
			return
		}
		// Zero-length read: peer closed or the socket failed.
		if c.held {
			log.Debug().Str("device", d.cfg.Name).Str("conn", c.id).Msg("Peer done sending, response pending")
			c.detach()
			return
		}
		log.Debug().Str("device", d.cfg.Name).Str("conn", c.id).Msg("Connection closed by peer")
		c.Close()
		return
	}

	c.buf = append(c.buf, buf[:n]...)
	if len(c.buf) > MaxRequestSize {
		log.Debug().
			Str("device", d.cfg.Name).
			Str("conn", c.id).
			Int("buffered", len(c.buf)).
			Msg("Request too large, closing connection")
		c.Close()
		return
	}

	if d.handler == nil {
		c.buf = c.buf[:0]
		return
	}
	if d.handler.HandleRequest(c.buf, c.remote, c) && !c.closed {
		c.buf = c.buf[:0]
	}
}

// Close stops listening and closes every tracked connection.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	for _, c := range d.conns {
		c.Close()
	}
	if err := d.reg.Remove(d.listenFD); err != nil && !errors.Is(err, poller.ErrClosed) {
		log.Debug().Err(err).Str("device", d.cfg.Name).Msg("Failed to unregister listener")
	}
	return d.listener.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
