//go:build unix

package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/fauxhue/internal/poller"
)

func startLoop(t *testing.T, pollTimeout time.Duration) (*Loop, context.CancelFunc) {
	t.Helper()

	p, err := poller.New()
	if err != nil {
		t.Fatalf("poller.New() error = %v", err)
	}
	l, err := New(p, pollTimeout, time.Millisecond)
	if err != nil {
		p.Close()
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		l.Close()
		p.Close()
	})
	return l, cancel
}

func TestPost_RunsInOrder(t *testing.T) {
	l, _ := startLoop(t, time.Second)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 4 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("posted work did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v, want 0..4", got)
		}
	}
}

func TestPost_WakesLongPoll(t *testing.T) {
	// A long poll timeout means only the wake pipe can get the work through quickly.
	l, _ := startLoop(t, 10*time.Second)

	// Let the loop enter its wait.
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Call(ctx, func() {}); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Call() took %v, wake pipe did not interrupt poll", elapsed)
	}
}

func TestCall_RecoversPanic(t *testing.T) {
	l, _ := startLoop(t, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l.Post(func() { panic("boom") })
	ran := false
	if err := l.Call(ctx, func() { ran = true }); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !ran {
		t.Error("loop stopped running work after a panic")
	}
}

func TestCall_Closed(t *testing.T) {
	p, err := poller.New()
	if err != nil {
		t.Fatalf("poller.New() error = %v", err)
	}
	defer p.Close()

	l, err := New(p, 10*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l.Close()

	if err := l.Call(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Call() error = %v, want ErrClosed", err)
	}
	if p.Len() != 0 {
		t.Errorf("poller still has %d registrations after Close", p.Len())
	}
}
