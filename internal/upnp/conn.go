package upnp

import (
	"errors"
	"net"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fauxhue/internal/poller"
)

const writeTimeout = 2 * time.Second

// ErrConnClosed is returned by Send on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is an accepted client connection as seen by a RequestHandler.
type Conn interface {
	ID() string
	RemoteAddr() net.Addr
	Send(data []byte) error
	Close() error
	Closed() bool
	// Hold marks the connection as owing a response. If the peer then stops
	// sending, the connection leaves the poller but stays open until Close.
	Hold()
}

type conn struct {
	dev    *Device
	tc     *net.TCPConn
	fd     int
	id     string
	remote net.Addr
	buf    []byte
	closed bool

	held     bool
	detached bool
}

func newConn(d *Device, tc *net.TCPConn) (*conn, error) {
	fd, err := poller.FD(tc)
	if err != nil {
		return nil, err
	}
	c := &conn{
		dev:    d,
		tc:     tc,
		fd:     fd,
		id:     xid.New().String(),
		remote: tc.RemoteAddr(),
	}
	if err := d.reg.Add(fd, d); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *conn) ID() string           { return c.id }
func (c *conn) RemoteAddr() net.Addr { return c.remote }
func (c *conn) Closed() bool         { return c.closed }
func (c *conn) Hold()                { c.held = true }

// Send writes data fully or fails
func (c *conn) Send(data []byte) error {
	if c.closed {
		return ErrConnClosed
	}
	c.tc.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.tc.Write(data)
	c.held = false
	return err
}

// detach stops polling the descriptor without closing it.
func (c *conn) detach() {
	if c.detached {
		return
	}
	c.detached = true
	if err := c.dev.reg.Remove(c.fd); err != nil && !errors.Is(err, poller.ErrClosed) {
		log.Warn().Err(err).Str("conn", c.id).Int("fd", c.fd).Msg("Failed to unregister connection")
	}
}

// Close unregisters the descriptor before closing it. Safe to call twice.
func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.buf = nil

	c.detach()
	delete(c.dev.conns, c.fd)
	return c.tc.Close()
}
