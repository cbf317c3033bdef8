//go:build !unix

package poller

func newBackend() (backend, error) {
	return nil, ErrUnsupported
}
