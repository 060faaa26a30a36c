//go:build linux
// +build linux

// File: tcp/tcp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Convenience entry points binding listeners and connections to a loop
// from any goroutine. The returned handles stay alive as long as the
// loop's registry or the caller holds them.

package tcp

import (
	"github.com/momentics/hioload-net/loop"
)

// Listen creates a listener on l bound to ip:port with the given
// new-connection callback. Safe from any goroutine; when called off the
// loop it blocks until the bind has completed there.
func Listen(l *loop.EventLoop, ip string, port int, onNew NewConnCallback) (*Listener, error) {
	return ListenWithSelector(l, ip, port, onNew, nil)
}

// ListenWithSelector additionally installs a loop selector so accepted
// connections fan out across loops.
func ListenWithSelector(l *loop.EventLoop, ip string, port int, onNew NewConnCallback, sel LoopSelector) (*Listener, error) {
	ln := NewListener(l)
	ln.SetNewConnCallback(onNew)
	ln.SetLoopSelector(sel)

	res := l.Execute(func() any { return ln.Bind(ip, port) })
	if err, _ := res.Get().(error); err != nil {
		return nil, err
	}
	return ln, nil
}

// Connect dials ip:port on l. The returned connection is in flight; the
// handshake outcome arrives through onNew or onFail. A non-nil error
// reports an immediate OS-level refusal to even start the dial.
func Connect(l *loop.EventLoop, ip string, port int, onNew NewConnCallback, onFail ConnFailCallback) (*Conn, error) {
	c := NewConn(l)
	c.SetNewConnCallback(onNew)
	c.SetFailCallback(onFail)

	res := l.Execute(func() any { return c.Connect(ip, port) })
	if err, _ := res.Get().(error); err != nil {
		return nil, err
	}
	return c, nil
}
