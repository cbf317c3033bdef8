// Package app wires the emulator services together and manages their lifecycle.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fauxhue/internal/config"
)

// App owns the services of one fauxhue process.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds every service without opening the bridge or status sockets.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		services: services,
	}, nil
}

// Start binds sockets and runs the control loop until ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.services.Start(a.ctx); err != nil {
		a.cancel()
		return err
	}

	log.Info().Str("bridge", a.cfg.Bridge.Name).Msg("Fauxhue started")
	return nil
}

// Stop cancels the run context, drains the dispatcher and releases sockets.
func (a *App) Stop() error {
	log.Info().Msg("Stopping fauxhue")

	if a.cancel != nil {
		a.cancel()
	}

	if a.services != nil {
		return a.services.Stop()
	}

	return nil
}

// Wait returns once the run context is done.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

func (a *App) Services() *Services {
	return a.services
}

// SignalContext is cancelled by the first SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		log.Warn().Str("signal", sig.String()).Msg("Signal received, stopping")
		cancel()
	}()

	return ctx
}
