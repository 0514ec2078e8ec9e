//go:build linux || darwin

package netutil

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Listen opens a non-blocking, close-on-exec TCP listening socket. A backlog
// <= 0 uses SOMAXCONN.
func Listen(network, address string, backlog int, reusePort bool) (int, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return -1, fmt.Errorf("netutil: unsupported network %q", network)
	}
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return -1, err
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	fam, sa := sockaddr(network, addr)
	fd, err := unix.Socket(fam, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := setupListener(fd, fam, network, reusePort); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netutil: listen %s: %w", address, err)
	}
	return fd, nil
}

func setupListener(fd, fam int, network string, reusePort bool) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	if err := SetReuseAddr(fd, true); err != nil {
		return err
	}
	if reusePort {
		if err := SetReusePort(fd, true); err != nil {
			return err
		}
	}
	if fam == unix.AF_INET6 {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, boolInt(network == "tcp6"))
	}
	return nil
}

func sockaddr(network string, addr *net.TCPAddr) (int, unix.Sockaddr) {
	ip := addr.IP
	if network == "tcp6" || (network == "tcp" && ip != nil && ip.To4() == nil) {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip.To16())
		if addr.Zone != "" {
			if ifi, err := net.InterfaceByName(addr.Zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return unix.AF_INET6, sa
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip4 := ip.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return unix.AF_INET, sa
}
