// Package loop runs the single control loop that drives every registered
// socket, and serializes work from other goroutines back onto it.
package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fauxhue/internal/poller"
)

// ErrClosed is returned by Call once the loop has been closed.
var ErrClosed = errors.New("loop closed")

// Loop owns the poller and a completion queue. Everything that touches
// emulator state runs on the goroutine executing Run.
type Loop struct {
	poller      *poller.Poller
	pollTimeout time.Duration
	idleDelay   time.Duration

	mu      sync.Mutex
	queue   []func()
	pending bool
	closed  bool

	// Self-pipe used to cut a poll wait short when work is posted
	wakeR  *os.File
	wakeW  *os.File
	wakeFD int
}

// New creates a loop around p. The wake pipe is registered with p immediately.
func New(p *poller.Poller, pollTimeout, idleDelay time.Duration) (*Loop, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}
	fd, err := poller.FD(r)
	if err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("wake pipe descriptor: %w", err)
	}

	l := &Loop{
		poller:      p,
		pollTimeout: pollTimeout,
		idleDelay:   idleDelay,
		wakeR:       r,
		wakeW:       w,
		wakeFD:      fd,
	}
	if err := p.Add(fd, l); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	return l, nil
}

// Poller returns the poller driven by this loop
func (l *Loop) Poller() *poller.Poller {
	return l.poller
}

// Run polls, drains completions and pauses for the idle delay until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	log.Debug().
		Dur("poll_timeout", l.pollTimeout).
		Dur("idle_delay", l.idleDelay).
		Msg("Control loop started")

	for {
		if ctx.Err() != nil {
			l.drain()
			log.Debug().Msg("Control loop stopped")
			return
		}

		if _, err := l.poller.Poll(l.pollTimeout); err != nil {
			if errors.Is(err, poller.ErrClosed) {
				log.Warn().Msg("Poller closed, control loop exiting")
				return
			}
			log.Error().Err(err).Msg("Poll failed")
		}

		l.drain()

		if l.idleDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(l.idleDelay):
			}
		}
	}
}

// Post queues fn to run on the loop goroutine. It never blocks.
// Work posted after Close is dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		log.Warn().Msg("Control loop closed, dropping posted work")
		return
	}
	l.queue = append(l.queue, fn)
	wake := !l.pending
	l.pending = true
	l.mu.Unlock()

	if wake {
		if _, err := l.wakeW.Write([]byte{1}); err != nil {
			log.Debug().Err(err).Msg("Failed to wake control loop")
		}
	}
}

// Call runs fn on the loop goroutine and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnReadable empties the wake pipe. The queue itself is drained after the poll round.
func (l *Loop) OnReadable(int) {
	buf := make([]byte, 64)
	l.wakeR.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	if _, err := l.wakeR.Read(buf); err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		log.Debug().Err(err).Msg("Wake pipe read failed")
	}
}

// drain runs every queued function in posting order.
func (l *Loop) drain() {
	l.mu.Lock()
	queue := l.queue
	l.queue = nil
	l.pending = false
	l.mu.Unlock()

	for _, fn := range queue {
		l.run(fn)
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Posted work panicked")
		}
	}()
	fn()
}

// Close unregisters and closes the wake pipe. Queued work that never ran is dropped.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()

	if err := l.poller.Remove(l.wakeFD); err != nil && !errors.Is(err, poller.ErrClosed) {
		log.Debug().Err(err).Msg("Failed to unregister wake pipe")
	}
	l.wakeW.Close()
	return l.wakeR.Close()
}
