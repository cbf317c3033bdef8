package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fauxhue/internal/ledger"
)

// DefaultTimeout bounds one handler call when the invoker is built with zero.
const DefaultTimeout = 5 * time.Second

// Recorder receives one audit entry per handler call
type Recorder interface {
	Append(eventType ledger.EventType, source string, payload map[string]any) error
}

// Invoker executes handler calls with a timeout, panic recovery and an
// optional audit trail.
type Invoker struct {
	timeout  time.Duration
	recorder Recorder
}

// NewInvoker creates an invoker. recorder may be nil.
func NewInvoker(timeout time.Duration, recorder Recorder) *Invoker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Invoker{
		timeout:  timeout,
		recorder: recorder,
	}
}

// Run executes calls in order. A failed call does not stop the ones after it.
func (i *Invoker) Run(ctx context.Context, calls []Call) []Result {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		results = append(results, Result{Call: call, Err: i.invoke(ctx, call)})
	}
	return results
}

func (i *Invoker) invoke(ctx context.Context, call Call) error {
	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panicked: %v", r)
			}
		}()
		done <- call.execute(callCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		// A hung backend keeps its goroutine; the caller moves on.
		err = fmt.Errorf("%s %s: %w", call.Action, call.Light, callCtx.Err())
	}

	event := log.Debug()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.
		Str("device", call.Device).
		Str("light", call.Light).
		Str("action", string(call.Action)).
		Uint8("level", call.Level).
		Dur("took", time.Since(start)).
		Msg("Handler call finished")

	i.record(call, err)
	return err
}

func (i *Invoker) record(call Call, callErr error) {
	if i.recorder == nil {
		return
	}

	payload := map[string]any{
		"light":  call.Light,
		"device": call.Device,
		"action": string(call.Action),
	}
	if call.Action == ActionDim {
		payload["value"] = call.Level
	}

	eventType := ledger.EventActionCompleted
	if callErr != nil {
		eventType = ledger.EventActionFailed
		payload["error"] = callErr.Error()
	}

	if err := i.recorder.Append(eventType, call.Device, payload); err != nil {
		log.Error().Err(err).Str("light", call.Light).Msg("Failed to record handler call")
	}
}
