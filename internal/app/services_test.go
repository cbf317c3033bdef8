//go:build unix

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dokzlo13/fauxhue/internal/config"
	"github.com/dokzlo13/fauxhue/internal/ledger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	disabled := false
	cfg.SSDP.Enabled = &disabled
	cfg.Bridge.IP = "127.0.0.1"
	cfg.Status.Enabled = true
	cfg.Status.Host = "127.0.0.1"
	cfg.Status.Port = 0
	cfg.Ledger.Path = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Backends.Static = config.StaticConfig{
		Enabled: true,
		Lights: []config.StaticLight{
			{Name: "desk", On: true, Bri: 200},
			{Name: "hall"},
		},
	}
	return cfg
}

func TestServices_Lifecycle(t *testing.T) {
	cfg := testConfig(t)

	s, err := NewServices(cfg)
	if err != nil {
		t.Fatalf("NewServices() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		cancel()
		s.Stop()
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		cancel()
		s.Stop()
	}()

	if len(s.Bridges) != 1 {
		t.Fatalf("len(Bridges) = %d, want 1", len(s.Bridges))
	}
	bridge := s.Bridges[0]

	client := &http.Client{Timeout: 3 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}

	// Emulated Hue API
	url := fmt.Sprintf("http://127.0.0.1:%d/api/anyone/lights/2/state", bridge.Port())
	req, _ := http.NewRequest(http.MethodPut, url, strings.NewReader(`{"on":true}`))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	resp.Body.Close()

	// Status API sees both lights, with the update applied
	resp, err = client.Get("http://" + s.Status.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var doc Status
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(doc.Bridges) != 1 || len(doc.Bridges[0].Lights) != 2 {
		t.Fatalf("status bridges = %+v", doc.Bridges)
	}
	lights := doc.Bridges[0].Lights
	if lights[0].Name != "desk" || !lights[0].On || lights[0].Bri != 200 {
		t.Errorf("light 1 = %+v", lights[0])
	}
	if lights[1].Name != "hall" || !lights[1].On {
		t.Errorf("light 2 = %+v, want on", lights[1])
	}
	if len(doc.Backends) != 1 || doc.Backends[0] != "static" {
		t.Errorf("backends = %v", doc.Backends)
	}

	entries, err := s.Ledger.GetByType(ledger.EventActionCompleted, 10)
	if err != nil {
		t.Fatalf("GetByType() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("ledger has %d completed actions, want 1", len(entries))
	}
}

func TestServices_NoLights(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backends.Static.Enabled = false
	cfg.Status.Enabled = false
	cfg.Ledger.Path = ""

	s, err := NewServices(cfg)
	if err != nil {
		t.Fatalf("NewServices() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if len(s.Bridges) != 0 {
		t.Errorf("len(Bridges) = %d, want 0", len(s.Bridges))
	}
	if s.ready.Load() {
		t.Error("ready with no bridges")
	}

	cancel()
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestServices_BridgePortTaken(t *testing.T) {
	taken, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()

	cfg := testConfig(t)
	cfg.Bridge.Port = taken.Addr().(*net.TCPAddr).Port

	s, err := NewServices(cfg)
	if err != nil {
		t.Fatalf("NewServices() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		cancel()
		s.Stop()
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		cancel()
		s.Stop()
	}()

	if len(s.Bridges) != 0 {
		t.Errorf("len(Bridges) = %d, want 0", len(s.Bridges))
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + s.Status.Addr() + "/ready")
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/ready status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}
