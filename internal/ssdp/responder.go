// Package ssdp answers SSDP M-SEARCH queries on behalf of registered devices.
package ssdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/fauxhue/internal/poller"
	"github.com/dokzlo13/fauxhue/internal/upnp"
)

// Search targets understood by the responder, checked in this order.
const (
	SearchTargetWemo = "urn:Belkin:device:**"
	SearchTargetHue  = "urn:schemas-upnp-org:device:basic:1"
)

var searchTargets = []struct {
	st       string
	protocol string
}{
	{SearchTargetWemo, "wemo"},
	{SearchTargetHue, "hue"},
}

const (
	maxDatagram = 2048
	readTimeout = 50 * time.Millisecond
)

// Target is a device that can answer a search
type Target interface {
	Name() string
	Protocol() string
	RespondToSearch(dest *net.UDPAddr, st string) error
}

// Config contains responder settings
type Config struct {
	Group         string
	Port          int
	ResponseDelay time.Duration
	RateLimit     float64 // Answered searches per second, <= 0 disables limiting
	Burst         int
}

// Responder listens on the discovery group and fans matching searches out
// to registered targets.
type Responder struct {
	cfg     Config
	limiter *rate.Limiter

	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	fd    int
	reg   upnp.Registry

	mu      sync.Mutex
	targets []Target

	closing   chan struct{}
	closeOnce sync.Once
}

// New creates an uninitialized responder. Until Init succeeds it is inert.
func New(cfg Config) *Responder {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Responder{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		fd:      -1,
		closing: make(chan struct{}),
	}
}

// Init binds the discovery port and joins the multicast group on every
// multicast-capable interface. A bind failure leaves the responder inert and
// is returned for the caller to log; failing to join the group only limits
// it to unicast searches.
func (r *Responder) Init(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddr}
	addr := ":" + strconv.Itoa(r.cfg.Port)

	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return &upnp.NetworkError{Op: "listen", Addr: addr, Err: fmt.Errorf("%w: %w", upnp.ErrBind, err)}
	}
	r.conn = pc.(*net.UDPConn)
	r.pconn = ipv4.NewPacketConn(r.conn)

	if joined := r.joinGroup(); joined == 0 {
		log.Warn().
			Str("group", r.cfg.Group).
			Msg("Could not join SSDP multicast group, only unicast searches will be answered")
	}
	if err := r.pconn.SetMulticastLoopback(true); err != nil {
		log.Debug().Err(err).Msg("Failed to enable multicast loopback")
	}

	log.Info().
		Str("group", r.cfg.Group).
		Str("addr", r.conn.LocalAddr().String()).
		Msg("Listening for SSDP searches")
	return nil
}

func (r *Responder) joinGroup() int {
	group := &net.UDPAddr{IP: net.ParseIP(r.cfg.Group)}

	ifaces, err := net.Interfaces()
	if err != nil {
		log.Debug().Err(err).Msg("Failed to list interfaces")
	}

	joined := 0
	for i := range ifaces {
		ifi := &ifaces[i]
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := r.pconn.JoinGroup(ifi, group); err != nil {
			log.Debug().Err(err).Str("iface", ifi.Name).Msg("Failed to join SSDP group")
			continue
		}
		log.Debug().Str("iface", ifi.Name).Str("group", r.cfg.Group).Msg("Joined SSDP group")
		joined++
	}

	if joined == 0 {
		if err := r.pconn.JoinGroup(nil, group); err == nil {
			joined++
		}
	}
	return joined
}

// Port returns the bound port, 0 while inert
func (r *Responder) Port() int {
	if r.conn == nil {
		return 0
	}
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// Active reports whether Init succeeded
func (r *Responder) Active() bool {
	return r.conn != nil
}

// Register adds the socket to reg. It does nothing while inert.
func (r *Responder) Register(reg upnp.Registry) error {
	if r.conn == nil {
		return nil
	}
	fd, err := poller.FD(r.conn)
	if err != nil {
		return err
	}
	if err := reg.Add(fd, r); err != nil {
		return err
	}
	r.fd = fd
	r.reg = reg
	return nil
}

// AddDevice registers a target for future searches. Targets are answered in
// registration order and live for the rest of the process.
func (r *Responder) AddDevice(t Target) {
	r.mu.Lock()
	r.targets = append(r.targets, t)
	r.mu.Unlock()

	log.Debug().Str("device", t.Name()).Str("protocol", t.Protocol()).Msg("SSDP target registered")
}

// OnReadable receives one datagram and schedules the answers it calls for.
func (r *Responder) OnReadable(int) {
	buf := make([]byte, maxDatagram)
	r.conn.SetReadDeadline(time.Now().Add(readTimeout))
	n, src, err := r.conn.ReadFromUDP(buf)
	if err != nil {
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			log.Debug().Err(err).Msg("SSDP read failed")
		}
		return
	}

	st, protocol, ok := Match(buf[:n])
	if !ok {
		return
	}

	r.mu.Lock()
	var matched []Target
	for _, t := range r.targets {
		if t.Protocol() == protocol {
			matched = append(matched, t)
		}
	}
	r.mu.Unlock()

	if len(matched) == 0 {
		return
	}
	if !r.limiter.Allow() {
		log.Debug().Str("remote", src.String()).Str("st", st).Msg("SSDP search rate limited")
		return
	}

	log.Debug().
		Str("remote", src.String()).
		Str("st", st).
		Int("targets", len(matched)).
		Msg("SSDP search matched")

	go r.answer(src, st, matched)
}

// answer sends one response per target, pausing before each.
func (r *Responder) answer(dest *net.UDPAddr, st string, targets []Target) {
	for _, t := range targets {
		select {
		case <-r.closing:
			return
		case <-time.After(r.cfg.ResponseDelay):
		}
		if err := t.RespondToSearch(dest, st); err != nil {
			log.Warn().Err(err).Str("device", t.Name()).Msg("Failed to answer search")
		}
	}
}

// Match reports which search target a datagram asks for and the protocol
// tag that serves it.
func Match(payload []byte) (st, protocol string, ok bool) {
	text := strings.ToLower(string(payload))
	if !strings.HasPrefix(text, "m-search") {
		return "", "", false
	}
	for _, s := range searchTargets {
		if strings.Contains(text, strings.ToLower(s.st)) {
			return s.st, s.protocol, true
		}
	}
	return "", "", false
}

// Close stops pending answers and releases the socket.
func (r *Responder) Close() error {
	r.closeOnce.Do(func() {
		close(r.closing)
	})
	if r.conn == nil {
		return nil
	}
	if r.reg != nil && r.fd >= 0 {
		if err := r.reg.Remove(r.fd); err != nil && !errors.Is(err, poller.ErrClosed) {
			log.Debug().Err(err).Msg("Failed to unregister SSDP socket")
		}
		r.reg = nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
