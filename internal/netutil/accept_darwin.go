//go:build darwin

package netutil

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Accept takes one connection off the backlog of lfd. The returned descriptor
// is already non-blocking and close-on-exec.
func Accept(lfd int) (int, net.Addr, error) {
	// no accept4 here, so hold ForkLock until close-on-exec is set
	syscall.ForkLock.RLock()
	fd, sa, err := unix.Accept(lfd)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	return fd, toAddr(sa), nil
}

func temporaryErrno(unix.Errno) bool { return false }
