//go:build unix && !linux

package poller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollBackend scans the whole set with poll(2) on every wait.
type pollBackend struct {
	mu  sync.Mutex
	fds []unix.PollFd
}

func newBackend() (backend, error) {
	return &pollBackend{}, nil
}

func (b *pollBackend) add(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fds = append(b.fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	return nil
}

func (b *pollBackend) remove(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.fds {
		if int(b.fds[i].Fd) == fd {
			b.fds = append(b.fds[:i], b.fds[i+1:]...)
			return nil
		}
	}
	return nil
}

func (b *pollBackend) wait(timeout time.Duration) ([]int, error) {
	b.mu.Lock()
	set := make([]unix.PollFd, len(b.fds))
	copy(set, b.fds)
	b.mu.Unlock()

	if len(set) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil, nil
	}

	n, err := unix.Poll(set, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("poll: %w", err)
	}

	ready := make([]int, 0, n)
	for _, pfd := range set {
		if pfd.Revents != 0 {
			ready = append(ready, int(pfd.Fd))
		}
	}
	return ready, nil
}

func (b *pollBackend) close() error {
	return nil
}
