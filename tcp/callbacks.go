//go:build linux
// +build linux

// File: tcp/callbacks.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// User-facing callback contracts of the TCP layer.

package tcp

import "github.com/momentics/hioload-net/loop"

// NewConnCallback runs once a connection reaches the connected state, from
// either the accept or the connect path, with reading already enabled.
type NewConnCallback func(*Conn)

// MessageCallback frames inbound bytes. It may run several times within
// one readiness event. The return value is the number of bytes consumed:
// positive advances the buffer and the callback is offered the remainder,
// zero leaves the remaining bytes for the next readiness event, negative
// reports an unrecoverable framing error and disconnects the peer.
type MessageCallback func(c *Conn, data []byte) int

// DisconnectCallback fires exactly once for a connection that ever reached
// the connected state, on peer reset, framing error or active close.
type DisconnectCallback func(*Conn)

// ConnFailCallback fires exactly once for a started dial that never reached
// the connected state. A dial that Connect rejects before it starts is
// reported through Connect's error and does not fire this callback.
type ConnFailCallback func(l *loop.EventLoop, peerIP string, peerPort int)

// LoopSelector returns the loop that should own a newly accepted
// connection. Returning nil falls back to the listener's own loop.
type LoopSelector func() *loop.EventLoop
