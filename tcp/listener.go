//go:build linux
// +build linux

// File: tcp/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Accepting TCP listener. Bound sockets carry reuse-addr, close-on-exec
// and non-blocking flags; accepted descriptors are routed to the loop
// chosen by the selector and wrapped into connections there.

package tcp

import (
	"fmt"

	"github.com/rs/zerolog"
	uberatomic "go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/netutil"
	"github.com/momentics/hioload-net/loop"
)

const listenBacklog = 1024

// Listener accepts connections on a bound socket and distributes them
// across loops.
type Listener struct {
	api.BaseObject

	loop      *loop.EventLoop
	fd        int
	boundPort int

	onNewConn NewConnCallback
	selector  LoopSelector

	log      zerolog.Logger
	accepted uberatomic.Int64
}

// NewListener creates an unbound listener owned by l.
func NewListener(l *loop.EventLoop) *Listener {
	return &Listener{
		BaseObject: api.NewBaseObject(),
		loop:       l,
		fd:         -1,
		boundPort:  -1,
		log:        l.Logger().With().Str("component", "listener").Logger(),
	}
}

// SetNewConnCallback installs the callback attached to every accepted
// connection.
func (s *Listener) SetNewConnCallback(cb NewConnCallback) { s.onNewConn = cb }

// SetLoopSelector installs the loop-selection hook for accepted
// connections.
func (s *Listener) SetLoopSelector(sel LoopSelector) { s.selector = sel }

// SelectLoop picks the loop that will own the next accepted connection.
func (s *Listener) SelectLoop() *loop.EventLoop {
	if s.selector != nil {
		if l := s.selector(); l != nil {
			return l
		}
	}
	return s.loop
}

// Bind binds and starts listening on ip:port, registering the listener
// with its loop. Must run on the loop goroutine; use the package-level
// Listen from anywhere else.
func (s *Listener) Bind(ip string, port int) error {
	s.mustBeInLoop("Bind")
	if s.fd != -1 {
		s.log.Error().Int("port", port).Msg("repeat bind on tcp listener")
		return api.ErrWrongState
	}

	sa, err := netutil.ResolveSockaddr(ip, port)
	if err != nil {
		return err
	}
	fd, err := netutil.NewStreamSocket(sa)
	if err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("set reuseaddr: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("bind %s: %w", addrString(ip, port), err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("listen %s: %w", addrString(ip, port), err)
	}

	s.fd = fd
	// Register disabled first, then enable accept readiness.
	if err := s.loop.Register(s, api.EventNone); err != nil {
		_ = unix.Close(fd)
		s.fd = -1
		return err
	}
	if err := s.loop.Modify(s, api.EventRead); err != nil {
		s.loop.Unregister(s)
		_ = unix.Close(fd)
		s.fd = -1
		return err
	}

	s.boundPort = resolveBoundPort(fd, port)
	s.log.Info().Str("addr", addrString(ip, s.boundPort)).Msg("tcp listening")
	return nil
}

// Fd returns the listening descriptor, -1 before Bind.
func (s *Listener) Fd() int { return s.fd }

// Port returns the actual bound port, resolving port 0 binds.
func (s *Listener) Port() int { return s.boundPort }

// Loop returns the loop the listener was created on.
func (s *Listener) Loop() *loop.EventLoop { return s.loop }

// Accepted returns how many connections this listener has accepted.
func (s *Listener) Accepted() int64 { return s.accepted.Load() }

// HandleRead accepts every pending connection. Transient accept errors
// are logged and skipped; resource exhaustion is logged at error severity
// and accepting resumes on the next readiness event; anything else is a
// bug.
func (s *Listener) HandleRead() bool {
	for {
		nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return true
			case unix.EINTR, unix.ECONNABORTED, unix.EPROTO:
				s.log.Warn().Err(err).Msg("transient accept error")
				continue
			case unix.EMFILE, unix.ENFILE:
				s.log.Error().Err(err).Msg("not enough file descriptors")
				return true
			case unix.ENOBUFS, unix.ENOMEM:
				s.log.Error().Err(err).Msg("not enough memory, socket buffer limits")
				return true
			default:
				panic(fmt.Sprintf("tcp: accept failed with errno %v", err))
			}
		}

		if s.onNewConn == nil {
			s.log.Warn().Int("fd", nfd).Msg("no connection callback, closing new conn")
			_ = unix.Close(nfd)
			continue
		}

		ip, port := netutil.SockaddrIPPort(sa)
		if ip == "" {
			s.log.Error().Int("fd", nfd).Msg("invalid peer address")
			_ = unix.Close(nfd)
			continue
		}
		s.accepted.Inc()
		s.log.Info().Int("fd", nfd).Str("peer", addrString(ip, port)).Msg("new connection")

		target := s.SelectLoop()
		cb := s.onNewConn
		target.Execute(func() any {
			conn := NewConn(target)
			conn.SetNewConnCallback(cb)
			if err := conn.OnAccept(nfd, ip, port); err != nil {
				s.log.Error().Err(err).Int("fd", nfd).Msg("failed to adopt accepted socket")
			}
			return nil
		})
	}
}

// HandleWrite is never requested for a listener.
func (s *Listener) HandleWrite() bool { return true }

// HandleError tears the listener down.
func (s *Listener) HandleError() {
	s.log.Error().Int("fd", s.fd).Msg("listener error, closing")
	s.closeOnLoop()
}

// Close unregisters the listener and releases its socket. Safe from any
// goroutine.
func (s *Listener) Close() {
	if s.loop.InThisLoop() {
		s.closeOnLoop()
		return
	}
	s.loop.Execute(func() any { s.closeOnLoop(); return nil }).Get()
}

func (s *Listener) closeOnLoop() {
	if s.UniqueID() != api.InvalidID {
		s.loop.Unregister(s)
	}
	if s.fd >= 0 {
		s.log.Info().Int("fd", s.fd).Msg("close tcp listener")
		_ = unix.Close(s.fd)
		s.fd = -1
	}
}

func (s *Listener) mustBeInLoop(op string) {
	if !s.loop.InThisLoop() {
		panic("tcp: " + op + " called off the loop goroutine")
	}
}

// resolveBoundPort resolves the kernel-assigned port for port-0 binds.
func resolveBoundPort(fd, requested int) int {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return requested
	}
	if _, p := netutil.SockaddrIPPort(sa); p >= 0 {
		return p
	}
	return requested
}
