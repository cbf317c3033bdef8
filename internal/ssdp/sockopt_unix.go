//go:build unix

package ssdp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr lets several discovery responders share the well-known port.
func reuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}
