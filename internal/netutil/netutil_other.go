//go:build !linux && !darwin

// Package netutil holds the raw socket plumbing the reactor needs. Only unix
// platforms are implemented.
package netutil

import (
	"errors"
	"net"
)

var errUnsupported = errors.New("netutil: platform not supported")

func Listen(network, address string, backlog int, reusePort bool) (int, error) {
	return -1, errUnsupported
}

func Accept(lfd int) (int, net.Addr, error) { return -1, nil, errUnsupported }

func Read(fd int, p []byte) (int, error) { return 0, errUnsupported }

func Write(fd int, p []byte) (int, error) { return 0, errUnsupported }

func Close(fd int) error { return errUnsupported }

func SetNonblock(fd int, nonblock bool) error { return errUnsupported }

func SetNoDelay(fd int, enable bool) error { return errUnsupported }

func SetRecvBuf(fd int, n int) error { return errUnsupported }

func SetSendBuf(fd int, n int) error { return errUnsupported }

func SocketError(fd int) error { return errUnsupported }

func LocalAddr(fd int) (net.Addr, error) { return nil, errUnsupported }

func RemoteAddr(fd int) (net.Addr, error) { return nil, errUnsupported }

func IsWouldBlock(err error) bool { return false }

func IsInterrupted(err error) bool { return false }

func IsTemporary(err error) bool { return false }

func IsResourceExhausted(err error) bool { return false }

func IsListenerFatal(err error) bool { return err != nil }
