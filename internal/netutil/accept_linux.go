//go:build linux

package netutil

import (
	"net"

	"golang.org/x/sys/unix"
)

// Accept takes one connection off the backlog of lfd. The returned descriptor
// is already non-blocking and close-on-exec.
func Accept(lfd int) (int, net.Addr, error) {
	fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return fd, toAddr(sa), nil
}

func temporaryErrno(e unix.Errno) bool { return e == unix.ENONET }
