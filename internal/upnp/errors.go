package upnp

import (
	"errors"
	"fmt"
)

// ErrBind marks a listening socket that could not be bound. It is a
// configuration problem and fatal for the device being constructed.
var ErrBind = errors.New("bind failed")

// NetworkError describes a transport setup or delivery failure.
type NetworkError struct {
	Op   string // "listen", "register", "send search response", ...
	Addr string
	Err  error
}

func (e *NetworkError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
