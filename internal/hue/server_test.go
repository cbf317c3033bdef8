//go:build unix

package hue

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/fauxhue/internal/actions"
	"github.com/dokzlo13/fauxhue/internal/loop"
	"github.com/dokzlo13/fauxhue/internal/poller"
)

type syncHandler struct {
	mu    sync.Mutex
	calls []string
	delay time.Duration
}

func (h *syncHandler) add(s string) error {
	time.Sleep(h.delay)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, s)
	return nil
}

func (h *syncHandler) On(context.Context, any) error  { return h.add("on") }
func (h *syncHandler) Off(context.Context, any) error { return h.add("off") }
func (h *syncHandler) Dim(_ context.Context, _ any, level uint8) error {
	return h.add(fmt.Sprintf("dim:%d", level))
}

// startLoopback runs a bridge with one light through real sockets, the
// control loop and the dispatcher.
func startLoopback(t *testing.T, h *syncHandler) (*Emulator, *loop.Loop) {
	t.Helper()

	p, err := poller.New()
	if err != nil {
		t.Fatalf("poller.New() error = %v", err)
	}
	l, err := loop.New(p, 50*time.Millisecond, time.Millisecond)
	if err != nil {
		p.Close()
		t.Fatalf("loop.New() error = %v", err)
	}
	disp := actions.NewDispatcher(2, 8)

	e, err := New(p, l, disp, actions.NewInvoker(time.Second, nil), Config{Name: "Fauxhue", IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	e.AddLight("desk", false, 0, nil, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		e.Close()
		disp.Close(context.Background())
		l.Close()
		p.Close()
	})
	return e, l
}

// TestEmulator_OverLoopback uses a stock HTTP client against a running bridge.
func TestEmulator_OverLoopback(t *testing.T) {
	h := &syncHandler{}
	e, l := startLoopback(t, h)

	client := &http.Client{
		Timeout:   3 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	base := fmt.Sprintf("http://127.0.0.1:%d", e.Port())

	req, _ := http.NewRequest(http.MethodPut, base+"/api/echo/lights/1/state", strings.NewReader(`{"on":true,"bri":128}`))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	ack, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	want := `[{"success":{"/lights/1/state/on":true}},{"success":{"/lights/1/state/bri":128}}]`
	if string(ack) != want {
		t.Errorf("ack = %s, want %s", ack, want)
	}

	resp, err = client.Get(base + "/api/echo/lights")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var listing map[string]struct {
		State struct {
			On  bool `json:"on"`
			Bri int  `json:"bri"`
		} `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	resp.Body.Close()

	if got := listing["1"].State; !got.On || got.Bri != 128 {
		t.Errorf("light 1 state = %+v, want on with bri 128", got)
	}

	h.mu.Lock()
	calls := strings.Join(h.calls, ",")
	h.mu.Unlock()
	if calls != "on,dim:128" {
		t.Errorf("handler calls = %s, want on,dim:128", calls)
	}

	// Connections are closed after each response
	var open int
	if err := l.Call(context.Background(), func() { open = e.OpenConns() }); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if open != 0 {
		t.Errorf("OpenConns() = %d, want 0", open)
	}
}

// A client that shuts down its write side right after the request still
// gets the acknowledgements once the handler calls finish.
func TestEmulator_PutAfterHalfClose(t *testing.T) {
	h := &syncHandler{delay: 100 * time.Millisecond}
	e, l := startLoopback(t, h)

	conn, err := net.DialTCP("tcp4", nil, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: e.Port()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	body := `{"bri":10}`
	req := fmt.Sprintf("PUT /api/u/lights/1 HTTP/1.1\r\nHost: bridge\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	raw, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v (got %d bytes)", err, len(raw))
	}
	ack, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	want := `[{"success":{"/lights/1/state/bri":10}}]`
	if string(ack) != want {
		t.Errorf("ack = %s, want %s", ack, want)
	}

	var open int
	if err := l.Call(context.Background(), func() { open = e.OpenConns() }); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if open != 0 {
		t.Errorf("OpenConns() = %d, want 0", open)
	}
}
