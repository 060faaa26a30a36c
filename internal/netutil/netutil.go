//go:build linux
// +build linux

// File: internal/netutil/netutil.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket address conversion and descriptor flag helpers shared by the TCP
// layer. IPv4 and IPv6 peers are supported; everything else is rejected as
// malformed.

package netutil

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ResolveSockaddr converts a textual ip/port pair into the sockaddr used by
// bind and connect.
func ResolveSockaddr(ip string, port int) (unix.Sockaddr, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid ip %q", ip)
	}
	if v4 := parsed.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], parsed.To16())
	return sa, nil
}

// SockaddrIPPort extracts the peer ip/port from an accepted sockaddr.
// Malformed or unsupported addresses yield ("", -1).
func SockaddrIPPort(sa unix.Sockaddr) (string, int) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), a.Port
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), a.Port
	default:
		return "", -1
	}
}

// NewStreamSocket creates a non-blocking, close-on-exec TCP socket for the
// given address family.
func NewStreamSocket(sa unix.Sockaddr) (int, error) {
	family := unix.AF_INET
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket create: %w", err)
	}
	return fd, nil
}

// SetNonblockCloexec applies the flags expected of every descriptor driven
// by a reactor, used for fds not created through NewStreamSocket.
func SetNonblockCloexec(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return err
	}
	return nil
}
