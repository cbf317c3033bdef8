package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fauxhue/internal/actions"
	"github.com/dokzlo13/fauxhue/internal/backends"
	"github.com/dokzlo13/fauxhue/internal/config"
	"github.com/dokzlo13/fauxhue/internal/db"
	"github.com/dokzlo13/fauxhue/internal/hue"
	"github.com/dokzlo13/fauxhue/internal/ledger"
	"github.com/dokzlo13/fauxhue/internal/loop"
	"github.com/dokzlo13/fauxhue/internal/mdns"
	"github.com/dokzlo13/fauxhue/internal/poller"
	"github.com/dokzlo13/fauxhue/internal/ssdp"
	"github.com/dokzlo13/fauxhue/internal/status"
	"github.com/dokzlo13/fauxhue/internal/upnp"
)

// Status is the document served by the status API
type Status struct {
	IP       string         `json:"ip"`
	SSDP     SSDPStatus     `json:"ssdp"`
	Backends []string       `json:"backends"`
	Bridges  []BridgeStatus `json:"bridges"`
}

// SSDPStatus describes the discovery responder
type SSDPStatus struct {
	Active bool `json:"active"`
	Port   int  `json:"port"`
}

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config
	ip  string

	// Core infrastructure
	Poller *poller.Poller
	Loop   *loop.Loop
	DB     *db.DB
	Ledger *ledger.Ledger

	// Action system
	Dispatcher *actions.Dispatcher
	Invoker    *actions.Invoker

	// Network services
	SSDP     *ssdp.Responder
	MDNS     *mdns.Advertiser
	Status   *status.Server
	Backends []*backends.Backend
	Bridges  []*hue.Emulator

	ready    atomic.Bool
	loopDone chan struct{}
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg, ip: cfg.Bridge.IP}
	if s.ip == "" {
		s.ip = upnp.LocalIP()
	}

	p, err := poller.New()
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}
	s.Poller = p

	s.Loop, err = loop.New(p, cfg.Loop.PollTimeout.Duration(), cfg.Loop.IdleDelay.Duration())
	if err != nil {
		s.Close()
		return nil, err
	}

	// Initialize optional action ledger
	var recorder actions.Recorder
	if cfg.Ledger.Path != "" {
		database, err := db.Open(cfg.Ledger.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.DB = database
		s.Ledger = ledger.New(database.DB)
		recorder = s.Ledger
	}

	s.Dispatcher = actions.NewDispatcher(cfg.Actions.Workers, cfg.Actions.QueueSize)
	s.Invoker = actions.NewInvoker(cfg.Actions.Timeout.Duration(), recorder)

	if cfg.SSDP.IsEnabled() {
		s.SSDP = ssdp.New(ssdp.Config{
			Group:         cfg.SSDP.Group,
			Port:          cfg.SSDP.Port,
			ResponseDelay: cfg.SSDP.ResponseDelay.Duration(),
			RateLimit:     cfg.SSDP.RateLimit,
			Burst:         cfg.SSDP.Burst,
		})
	}

	if cfg.MDNS.Enabled {
		s.MDNS = mdns.NewAdvertiser()
	}

	if cfg.Status.Enabled {
		s.Status = status.NewServer(cfg.Status.Host, cfg.Status.Port, s.Snapshot, s.ready.Load)
	}

	return s, nil
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	if s.SSDP != nil {
		if err := s.SSDP.Init(ctx); err != nil {
			log.Error().Err(err).Msg("SSDP responder disabled, bridges will not be discoverable")
		} else if err := s.SSDP.Register(s.Poller); err != nil {
			return fmt.Errorf("register ssdp responder: %w", err)
		}
	}

	if s.Status != nil {
		if err := s.Status.Listen(); err != nil {
			return err
		}
	}

	s.Backends = ProbeBackends(ctx, s.cfg.Backends)

	s.startBridge()

	if s.Ledger != nil {
		retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour
		go s.Ledger.RunRetention(ctx, retention, s.cfg.Ledger.CleanupInterval.Duration())
	}

	if s.Status != nil {
		go func() {
			if err := s.Status.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
				log.Error().Err(err).Msg("Status server error")
			}
		}()
	}

	s.loopDone = make(chan struct{})
	go func() {
		defer close(s.loopDone)
		s.Loop.Run(ctx)
	}()

	s.ready.Store(len(s.Bridges) > 0)
	return nil
}

// startBridge creates the emulated bridge when at least one backend light
// exists. Runs before the loop starts, so no posting is needed. A bridge
// that cannot bind leaves the process running unready.
func (s *Services) startBridge() {
	lights := 0
	for _, b := range s.Backends {
		lights += len(b.Lights)
	}
	if lights == 0 {
		log.Warn().Msg("No lights found on any backend, no bridge will be emulated")
		return
	}

	e, err := hue.New(s.Poller, s.Loop, s.Dispatcher, s.Invoker, hue.Config{
		Name: s.cfg.Bridge.Name,
		IP:   s.ip,
		Port: s.cfg.Bridge.Port,
	})
	if err != nil {
		log.Error().Err(err).Str("device", s.cfg.Bridge.Name).Int("port", s.cfg.Bridge.Port).Msg("Bridge disabled")
		return
	}
	s.Bridges = append(s.Bridges, e)
	addLights(e, s.Backends)

	if s.SSDP != nil {
		s.SSDP.AddDevice(e)
	}
	if s.MDNS != nil {
		err := s.MDNS.Advertise(mdns.Bridge{
			Name:   e.Name(),
			Serial: e.Serial(),
			IP:     s.ip,
			Port:   e.Port(),
		})
		if err != nil {
			log.Warn().Err(err).Str("device", e.Name()).Msg("mDNS advertisement failed")
		}
	}
}

// Snapshot collects bridge state on the control loop
func (s *Services) Snapshot(ctx context.Context) (any, error) {
	doc := Status{IP: s.ip, Backends: []string{}, Bridges: []BridgeStatus{}}
	if s.SSDP != nil {
		doc.SSDP = SSDPStatus{Active: s.SSDP.Active(), Port: s.SSDP.Port()}
	}
	for _, b := range s.Backends {
		doc.Backends = append(doc.Backends, b.Name)
	}

	err := s.Loop.Call(ctx, func() {
		for _, e := range s.Bridges {
			doc.Bridges = append(doc.Bridges, bridgeStatus(e))
		}
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Stop gracefully stops all services. The caller cancels the context given
// to Start first.
func (s *Services) Stop() error {
	s.ready.Store(false)
	if s.loopDone != nil {
		<-s.loopDone
	}

	if s.Dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		s.Dispatcher.Close(ctx)
		cancel()
	}

	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	for _, e := range s.Bridges {
		if err := e.Close(); err != nil {
			log.Debug().Err(err).Str("device", e.Name()).Msg("Failed to close bridge")
		}
	}
	s.Bridges = nil

	if s.SSDP != nil {
		s.SSDP.Close()
	}
	if s.MDNS != nil {
		s.MDNS.Close()
	}
	for _, b := range s.Backends {
		b.Shutdown()
	}
	s.Backends = nil

	if s.Loop != nil {
		s.Loop.Close()
	}
	if s.Poller != nil {
		s.Poller.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
