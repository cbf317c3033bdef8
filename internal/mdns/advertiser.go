// Package mdns advertises emulated bridges over DNS-SD.
package mdns

import (
	"fmt"
	"net"
	"sync"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog/log"
)

const (
	// ServiceType is the DNS-SD service Hue apps browse for
	ServiceType = "_hue._tcp"
	modelID     = "BSB002"
)

// Bridge is the identity of one advertised bridge
type Bridge struct {
	Name   string
	Serial string
	IP     string
	Port   int
}

// Advertiser owns one mDNS responder per advertised bridge.
type Advertiser struct {
	mu      sync.Mutex
	servers []*mdns.Server
}

// NewAdvertiser creates an empty advertiser
func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// NewService builds the service record for a bridge
func NewService(b Bridge) (*mdns.MDNSService, error) {
	ip := net.ParseIP(b.IP)
	if ip == nil {
		return nil, fmt.Errorf("mdns: invalid bridge ip %q", b.IP)
	}
	txt := []string{
		"bridgeid=" + b.Serial,
		"modelid=" + modelID,
	}
	host := fmt.Sprintf("fauxhue-%s.local.", b.Serial)
	return mdns.NewMDNSService(b.Name, ServiceType, "", host, b.Port, []net.IP{ip}, txt)
}

// Advertise starts answering queries for b until Close
func (a *Advertiser) Advertise(b Bridge) error {
	svc, err := NewService(b)
	if err != nil {
		return err
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return fmt.Errorf("mdns: start responder: %w", err)
	}

	a.mu.Lock()
	a.servers = append(a.servers, server)
	a.mu.Unlock()

	log.Info().
		Str("device", b.Name).
		Str("service", ServiceType).
		Str("bridgeid", b.Serial).
		Int("port", b.Port).
		Msg("Advertising bridge over mDNS")
	return nil
}

// Close stops every responder
func (a *Advertiser) Close() error {
	a.mu.Lock()
	servers := a.servers
	a.servers = nil
	a.mu.Unlock()

	var firstErr error
	for _, s := range servers {
		if err := s.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
