//go:build !linux && !darwin

package poller

// New returns ErrUnsupported; only epoll and kqueue are implemented.
func New(opts ...Option) (Poller, error) {
	return nil, ErrUnsupported
}
