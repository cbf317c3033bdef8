//go:build unix

package ssdp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/dokzlo13/fauxhue/internal/poller"
	"github.com/dokzlo13/fauxhue/internal/upnp"
)

type answer struct {
	device string
	st     string
	dest   *net.UDPAddr
}

type fakeTarget struct {
	name     string
	protocol string
	answers  chan<- answer
}

func (f *fakeTarget) Name() string     { return f.name }
func (f *fakeTarget) Protocol() string { return f.protocol }
func (f *fakeTarget) RespondToSearch(dest *net.UDPAddr, st string) error {
	f.answers <- answer{device: f.name, st: st, dest: dest}
	return nil
}

func search(st string) []byte {
	return []byte("M-SEARCH * HTTP/1.1\r\n" +
		"HOST: 239.255.255.250:1900\r\n" +
		"MAN: \"ssdp:discover\"\r\n" +
		"MX: 1\r\n" +
		"ST: " + st + "\r\n\r\n")
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name         string
		payload      string
		wantST       string
		wantProtocol string
		wantOK       bool
	}{
		{"hue", string(search(SearchTargetHue)), SearchTargetHue, "hue", true},
		{"wemo", string(search(SearchTargetWemo)), SearchTargetWemo, "wemo", true},
		{"case insensitive", strings.ToLower(string(search(SearchTargetHue))), SearchTargetHue, "hue", true},
		{"unknown target", string(search("ssdp:all")), "", "", false},
		{"notify", "NOTIFY * HTTP/1.1\r\nNT: " + SearchTargetHue + "\r\n\r\n", "", "", false},
		{"empty", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, protocol, ok := Match([]byte(tt.payload))
			if st != tt.wantST || protocol != tt.wantProtocol || ok != tt.wantOK {
				t.Errorf("Match() = (%q, %q, %v), want (%q, %q, %v)",
					st, protocol, ok, tt.wantST, tt.wantProtocol, tt.wantOK)
			}
		})
	}
}

type harness struct {
	r      *Responder
	p      *poller.Poller
	client *net.UDPConn
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	p, err := poller.New()
	if err != nil {
		t.Fatalf("poller.New() error = %v", err)
	}
	t.Cleanup(func() { p.Close() })

	if cfg.Group == "" {
		cfg.Group = "239.255.255.250"
	}
	r := New(cfg)
	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	if err := r.Register(p); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return &harness{r: r, p: p, client: client}
}

func (h *harness) send(t *testing.T, payload []byte) {
	t.Helper()
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: h.r.Port()}
	if _, err := h.client.WriteToUDP(payload, dest); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := h.p.Poll(time.Second); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
}

func collect(ch <-chan answer, n int, wait time.Duration) []answer {
	var got []answer
	deadline := time.After(wait)
	for len(got) < n {
		select {
		case a := <-ch:
			got = append(got, a)
		case <-deadline:
			return got
		}
	}
	return got
}

func TestResponder_AnswersMatchingTargetsInOrder(t *testing.T) {
	h := newHarness(t, Config{ResponseDelay: time.Millisecond})

	ch := make(chan answer, 8)
	h.r.AddDevice(&fakeTarget{name: "first", protocol: "hue", answers: ch})
	h.r.AddDevice(&fakeTarget{name: "plug", protocol: "wemo", answers: ch})
	h.r.AddDevice(&fakeTarget{name: "second", protocol: "hue", answers: ch})

	h.send(t, search(SearchTargetHue))

	got := collect(ch, 2, 2*time.Second)
	if len(got) != 2 {
		t.Fatalf("got %d answers, want 2", len(got))
	}
	if got[0].device != "first" || got[1].device != "second" {
		t.Errorf("answer order = %s,%s, want first,second", got[0].device, got[1].device)
	}
	local := h.client.LocalAddr().(*net.UDPAddr)
	for _, a := range got {
		if a.st != SearchTargetHue {
			t.Errorf("st = %q, want %q", a.st, SearchTargetHue)
		}
		if a.dest.Port != local.Port {
			t.Errorf("dest port = %d, want %d", a.dest.Port, local.Port)
		}
	}

	if extra := collect(ch, 1, 100*time.Millisecond); len(extra) != 0 {
		t.Errorf("unexpected extra answer from %s", extra[0].device)
	}
}

func TestResponder_IgnoresNonMatching(t *testing.T) {
	h := newHarness(t, Config{})

	ch := make(chan answer, 8)
	h.r.AddDevice(&fakeTarget{name: "bridge", protocol: "hue", answers: ch})

	h.send(t, search("ssdp:all"))
	h.send(t, []byte("NOTIFY * HTTP/1.1\r\n\r\n"))
	h.send(t, search(SearchTargetWemo))

	if got := collect(ch, 1, 200*time.Millisecond); len(got) != 0 {
		t.Errorf("got %d answers, want 0", len(got))
	}
}

func TestResponder_RateLimit(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 0.001, Burst: 1})

	ch := make(chan answer, 8)
	h.r.AddDevice(&fakeTarget{name: "bridge", protocol: "hue", answers: ch})

	h.send(t, search(SearchTargetHue))
	h.send(t, search(SearchTargetHue))

	if got := collect(ch, 2, 300*time.Millisecond); len(got) != 1 {
		t.Errorf("got %d answers, want 1", len(got))
	}
}

func TestResponder_NegativeRateLimitIsUnlimited(t *testing.T) {
	h := newHarness(t, Config{RateLimit: -1, Burst: 1})

	ch := make(chan answer, 8)
	h.r.AddDevice(&fakeTarget{name: "bridge", protocol: "hue", answers: ch})

	for i := 0; i < 3; i++ {
		h.send(t, search(SearchTargetHue))
	}

	if got := collect(ch, 3, time.Second); len(got) != 3 {
		t.Errorf("got %d answers, want 3", len(got))
	}
}

func TestResponder_DeviceResponse(t *testing.T) {
	h := newHarness(t, Config{})

	dev, err := upnp.NewDevice(h.p, upnp.Config{
		Name:           "bridge",
		IP:             "127.0.0.1",
		Protocol:       "hue",
		PersistentUUID: upnp.PersistentID("bridge"),
	}, nil)
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	defer dev.Close()
	h.r.AddDevice(dev)

	h.send(t, search(SearchTargetHue))

	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := h.client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp := string(buf[:n])

	wantLines := []string{
		"HTTP/1.1 200 OK\r\n",
		fmt.Sprintf("LOCATION: http://127.0.0.1:%d/description.xml\r\n", dev.Port()),
		"ST: " + SearchTargetHue + "\r\n",
		"USN: uuid:" + upnp.PersistentID("bridge") + "::" + SearchTargetHue + "\r\n",
	}
	for _, line := range wantLines {
		if !strings.Contains(resp, line) {
			t.Errorf("response missing %q:\n%s", line, resp)
		}
	}
}

func TestResponder_InertWithoutInit(t *testing.T) {
	r := New(Config{})
	if r.Active() {
		t.Error("Active() = true before Init")
	}
	p, err := poller.New()
	if err != nil {
		t.Fatalf("poller.New() error = %v", err)
	}
	defer p.Close()

	if err := r.Register(p); err != nil {
		t.Errorf("Register() error = %v", err)
	}
	if p.Len() != 0 {
		t.Errorf("poller has %d handlers, want 0", p.Len())
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
