//go:build linux || darwin

package netutil

import (
	"errors"

	"golang.org/x/sys/unix"
)

// IsWouldBlock reports a non-blocking call that found nothing to do.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsInterrupted reports a call interrupted by a signal.
func IsInterrupted(err error) bool { return errors.Is(err, unix.EINTR) }

// IsTemporary reports errors that concern one call or one pending connection
// and are retried silently: would-block, interrupted calls, connections that
// died in the accept queue, and network or firewall errors accept(2) passes
// through from the new socket.
func IsTemporary(err error) bool {
	if IsWouldBlock(err) {
		return true
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case unix.EINTR, unix.ECONNABORTED, unix.EPROTO, unix.EPERM,
		unix.ENETUNREACH, unix.EHOSTUNREACH, unix.ENETDOWN, unix.EHOSTDOWN,
		unix.ENOPROTOOPT, unix.EOPNOTSUPP:
		return true
	}
	return temporaryErrno(errno)
}

// IsResourceExhausted reports descriptor or memory exhaustion, which may clear
// once other descriptors are released.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.ENOMEM)
}

// IsListenerFatal reports errors meaning the listening descriptor itself is
// unusable.
func IsListenerFatal(err error) bool {
	return errors.Is(err, unix.EBADF) ||
		errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.ENOTSOCK) ||
		errors.Is(err, unix.EFAULT)
}
