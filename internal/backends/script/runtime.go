package script

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

// ErrRuntimeClosed is returned when the Lua runtime is closed
var ErrRuntimeClosed = errors.New("lua runtime closed")

// work runs on the Lua worker goroutine, the only goroutine touching L
type work func(ctx context.Context, L *lua.LState)

// Runtime owns a Lua state and serializes every call on one worker.
type Runtime struct {
	L         *lua.LState
	workQueue chan work

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewRuntime creates a Lua state with the log module preloaded and starts
// its worker.
func NewRuntime(queueSize int) *Runtime {
	if queueSize <= 0 {
		queueSize = 16
	}
	r := &Runtime{
		L:         lua.NewState(),
		workQueue: make(chan work, queueSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.L.PreloadModule("log", NewLogModule().Loader)

	go r.run()
	return r
}

func (r *Runtime) run() {
	defer close(r.done)
	for {
		select {
		case <-r.closing:
			return
		case w := <-r.workQueue:
			r.execute(w)
		}
	}
}

// execute runs a single work item with panic recovery
func (r *Runtime) execute(w work) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Msg("Lua work panicked - worker continuing")
		}
	}()
	w(context.Background(), r.L)
}

// Do queues fn and waits for its result. ctx bounds both the wait and the Lua
// execution itself.
func (r *Runtime) Do(ctx context.Context, fn func(L *lua.LState) error) error {
	result := make(chan error, 1)
	wrapped := work(func(_ context.Context, L *lua.LState) {
		L.SetContext(ctx)
		defer L.RemoveContext()
		result <- fn(L)
	})

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.workQueue <- wrapped:
	}

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	}
}

// LoadFile executes a script on the worker
func (r *Runtime) LoadFile(ctx context.Context, path string) error {
	return r.Do(ctx, func(L *lua.LState) error {
		if err := L.DoFile(path); err != nil {
			return fmt.Errorf("failed to execute Lua script: %w", err)
		}
		return nil
	})
}

// Close stops the worker and closes the Lua state once it has exited.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
		<-r.done
		r.L.Close()
	})
}
