// Package poller multiplexes readiness of many file descriptors and
// dispatches each ready descriptor to the handler that registered it.
//
// Linux uses epoll. Other unix systems fall back to poll(2), which scans the
// full set on every wait but imposes no fixed upper bound on its size.
package poller

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrAlreadyRegistered is returned by Add for a descriptor that already has an owner.
	ErrAlreadyRegistered = errors.New("poller: descriptor already registered")
	// ErrNotRegistered is returned by Remove for a descriptor that has no owner.
	ErrNotRegistered = errors.New("poller: descriptor not registered")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("poller: closed")
	// ErrUnsupported is returned by New on platforms without a readiness primitive.
	ErrUnsupported = errors.New("poller: unsupported platform")
)

// Handler owns a registered descriptor and is told when it becomes readable.
type Handler interface {
	OnReadable(fd int)
}

// HandlerFunc adapts a plain function to Handler
type HandlerFunc func(fd int)

// OnReadable calls f(fd)
func (f HandlerFunc) OnReadable(fd int) { f(fd) }

// backend is the platform readiness primitive.
type backend interface {
	add(fd int) error
	remove(fd int) error
	// wait blocks up to timeout (negative blocks forever) and returns ready descriptors.
	wait(timeout time.Duration) ([]int, error)
	close() error
}

// Poller maps descriptors to handlers. Registration may happen from any
// goroutine; Poll is meant to be driven by a single loop.
type Poller struct {
	mu       sync.Mutex
	handlers map[int]Handler
	backend  backend
	closed   bool
}

// New creates a poller backed by the best primitive the platform offers.
func New() (*Poller, error) {
	b, err := newBackend()
	if err != nil {
		return nil, err
	}
	return &Poller{
		handlers: make(map[int]Handler),
		backend:  b,
	}, nil
}

// Add registers fd with its owner. A descriptor can only have one owner.
func (p *Poller) Add(fd int, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, ok := p.handlers[fd]; ok {
		return fmt.Errorf("fd %d: %w", fd, ErrAlreadyRegistered)
	}
	if err := p.backend.add(fd); err != nil {
		return fmt.Errorf("register fd %d: %w", fd, err)
	}
	p.handlers[fd] = h
	return nil
}

// Remove unregisters fd. It must be called before the descriptor is closed.
func (p *Poller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, ok := p.handlers[fd]; !ok {
		return fmt.Errorf("fd %d: %w", fd, ErrNotRegistered)
	}
	delete(p.handlers, fd)
	if err := p.backend.remove(fd); err != nil {
		return fmt.Errorf("unregister fd %d: %w", fd, err)
	}
	return nil
}

// Len returns the number of registered descriptors
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

// Poll waits up to timeout for readiness and calls OnReadable for every ready
// descriptor. It returns the number of handlers invoked. A handler removed by
// an earlier handler of the same batch is skipped.
func (p *Poller) Poll(timeout time.Duration) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	p.mu.Unlock()

	ready, err := p.backend.wait(timeout)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, fd := range ready {
		p.mu.Lock()
		h, ok := p.handlers[fd]
		p.mu.Unlock()
		if !ok {
			continue
		}
		p.dispatch(fd, h)
		dispatched++
	}
	return dispatched, nil
}

// dispatch runs one handler, keeping a panicking owner from taking the loop down.
func (p *Poller) dispatch(fd int, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Int("fd", fd).
				Msg("Readiness handler panicked")
		}
	}()
	h.OnReadable(fd)
}

// Close releases the readiness primitive. Registered descriptors are not closed.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.handlers = nil
	return p.backend.close()
}

// FD returns the descriptor behind a Go socket or file. The descriptor stays
// owned by c; callers must not close it directly.
func FD(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := raw.Control(func(s uintptr) {
		fd = int(s)
	}); err != nil {
		return -1, err
	}
	return fd, nil
}

// timeoutMillis converts a wait timeout to the millisecond form used by epoll and poll.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := int(timeout / time.Millisecond)
	if ms == 0 && timeout > 0 {
		ms = 1
	}
	return ms
}
