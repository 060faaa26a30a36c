//go:build linux
// +build linux

// File: tcp/tcp_linux_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// End-to-end connection and listener scenarios against real sockets on
// the loopback interface. The peer side uses net.Dial so the runtime is
// exercised exactly the way an external client would.

package tcp_test

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/momentics/hioload-net/loop"
	"github.com/momentics/hioload-net/tcp"
)

func startLoop(t *testing.T, name string) *loop.EventLoop {
	t.Helper()
	l, err := loop.New(loop.WithName(name))
	if err != nil {
		t.Fatalf("loop.New: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run()
	}()
	t.Cleanup(func() {
		l.Stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("loop did not stop")
		}
	})
	return l
}

func dial(t *testing.T, port int) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// freePort reserves and releases a loopback port so a later connect is
// guaranteed to be refused.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestEchoRoundTrip(t *testing.T) {
	l := startLoop(t, "echo")

	newConns := make(chan *tcp.Conn, 1)
	disconnects := make(chan struct{}, 1)
	onNew := func(c *tcp.Conn) {
		c.SetMessageCallback(func(c *tcp.Conn, data []byte) int {
			c.Send(data)
			return len(data)
		})
		c.SetOnDisconnect(func(*tcp.Conn) { disconnects <- struct{}{} })
		newConns <- c
	}

	ln, err := tcp.Listen(l, "127.0.0.1", 0, onNew)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if ln.Port() <= 0 {
		t.Fatalf("bound port = %d, want kernel-assigned", ln.Port())
	}

	client := dial(t, ln.Port())
	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	select {
	case c := <-newConns:
		if !c.Connected() {
			t.Error("new connection not in connected state")
		}
		if c.PeerIP() != "127.0.0.1" {
			t.Errorf("peer ip = %q", c.PeerIP())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("new-connection callback never fired")
	}

	reply := make([]byte, 4)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(reply) != "ping" {
		t.Errorf("echo = %q, want %q", reply, "ping")
	}

	_ = client.Close()
	select {
	case <-disconnects:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback never fired after client close")
	}
	if ln.Accepted() != 1 {
		t.Errorf("accepted = %d, want 1", ln.Accepted())
	}
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	l := startLoop(t, "idle")

	conns := make(chan *tcp.Conn, 1)
	disconnects := make(chan *tcp.Conn, 1)
	onNew := func(c *tcp.Conn) {
		c.SetIdleTimeout(200 * time.Millisecond)
		c.SetOnDisconnect(func(c *tcp.Conn) { disconnects <- c })
		conns <- c
	}

	ln, err := tcp.Listen(l, "127.0.0.1", 0, onNew)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	_ = dial(t, ln.Port())

	start := time.Now()
	var closed *tcp.Conn
	select {
	case closed = <-disconnects:
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection never closed")
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("closed after %v, idle threshold is 200ms", elapsed)
	}
	if closed.Connected() {
		t.Error("Connected() true after idle close")
	}
	<-conns
}

func TestConnectFailure(t *testing.T) {
	l := startLoop(t, "dial-fail")
	port := freePort(t)

	newCalls := make(chan struct{}, 1)
	failures := make(chan string, 1)
	onNew := func(*tcp.Conn) { newCalls <- struct{}{} }
	onFail := func(_ *loop.EventLoop, ip string, p int) {
		failures <- net.JoinHostPort(ip, strconv.Itoa(p))
	}

	c, err := tcp.Connect(l, "127.0.0.1", port, onNew, onFail)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case got := <-failures:
		want := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
		if got != want {
			t.Errorf("fail callback addr = %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect-fail callback never fired")
	}

	select {
	case <-newCalls:
		t.Error("new-connection callback fired for a failed dial")
	default:
	}
	if c.State() != tcp.StateFailed {
		t.Errorf("state = %v, want failed", c.State())
	}
	if c.Connected() {
		t.Error("Connected() true after failure")
	}
}

func TestFatalFramingError(t *testing.T) {
	l := startLoop(t, "framing")

	var calls int
	var consumedTotal int
	disconnects := make(chan struct{}, 1)
	onNew := func(c *tcp.Conn) {
		c.SetMessageCallback(func(c *tcp.Conn, data []byte) int {
			calls++
			if calls == 1 {
				consumedTotal += 3
				return 3
			}
			return -1
		})
		c.SetOnDisconnect(func(*tcp.Conn) { disconnects <- struct{}{} })
	}

	ln, err := tcp.Listen(l, "127.0.0.1", 0, onNew)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	client := dial(t, ln.Port())
	if _, err := client.Write([]byte("0123456789")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	select {
	case <-disconnects:
	case <-time.After(2 * time.Second):
		t.Fatal("fatal framing error did not disconnect")
	}

	got := l.Execute(func() any { return calls }).Get()
	if got != 2 {
		t.Errorf("message callback ran %v times, want 2 (consume then fatal)", got)
	}
	if consumedTotal != 3 {
		t.Errorf("consumed = %d, want 3", consumedTotal)
	}
}

func TestZeroConsumedWaitsForMoreBytes(t *testing.T) {
	l := startLoop(t, "partial")

	const frameLen = 8
	frames := make(chan string, 1)
	onNew := func(c *tcp.Conn) {
		c.SetMessageCallback(func(c *tcp.Conn, data []byte) int {
			if len(data) < frameLen {
				return 0 // wait for the full frame
			}
			frames <- string(data[:frameLen])
			return frameLen
		})
	}

	ln, err := tcp.Listen(l, "127.0.0.1", 0, onNew)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	client := dial(t, ln.Port())

	if _, err := client.Write([]byte("half")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case f := <-frames:
		t.Fatalf("frame %q delivered before it was complete", f)
	case <-time.After(100 * time.Millisecond):
	}

	if _, err := client.Write([]byte("full")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case f := <-frames:
		if f != "halffull" {
			t.Errorf("frame = %q, want %q", f, "halffull")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("complete frame never delivered")
	}
}

func TestLargeSendPreservesBytes(t *testing.T) {
	l := startLoop(t, "bulk")

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i)
	}

	onNew := func(c *tcp.Conn) {
		// Vectored send across several segments.
		third := len(payload) / 3
		if !c.SendV(payload[:third], payload[third:2*third], payload[2*third:]) {
			t.Error("SendV returned false on connected socket")
		}
	}

	ln, err := tcp.Listen(l, "127.0.0.1", 0, onNew)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	client := dial(t, ln.Port())

	got := make([]byte, len(payload))
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload corrupted in flight")
	}
}

func TestSendInWrongStateReturnsFalse(t *testing.T) {
	l := startLoop(t, "wrong-state")
	c := tcp.NewConn(l)
	ok := l.Execute(func() any { return c.Send([]byte("x")) }).Get()
	if ok != false {
		t.Error("Send on a fresh connection did not return false")
	}
}

func TestActiveCloseSync(t *testing.T) {
	l := startLoop(t, "active-close")

	connected := make(chan *tcp.Conn, 1)
	onNew := func(c *tcp.Conn) { connected <- c }
	ln, err := tcp.Listen(l, "127.0.0.1", 0, onNew)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	disconnects := make(chan struct{}, 1)
	clientNew := make(chan *tcp.Conn, 1)
	conn, err := tcp.Connect(l, "127.0.0.1", ln.Port(),
		func(c *tcp.Conn) {
			c.SetOnDisconnect(func(*tcp.Conn) { disconnects <- struct{}{} })
			clientNew <- c
		}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-clientNew:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	<-connected

	conn.ActiveClose(true)
	if conn.Connected() {
		t.Error("Connected() true after synchronous ActiveClose")
	}
	select {
	case <-disconnects:
	case <-time.After(time.Second):
		t.Fatal("disconnect callback missing after ActiveClose")
	}

	// Absorbing state: closing again changes nothing.
	conn.ActiveClose(true)
	select {
	case <-disconnects:
		t.Error("disconnect delivered twice")
	default:
	}
}

func TestConnectionContextSlot(t *testing.T) {
	l := startLoop(t, "context")
	c := tcp.NewConn(l)

	type session struct{ user string }
	c.SetContext(&session{user: "momentics"})

	got, ok := tcp.ContextAs[*session](c)
	if !ok || got.user != "momentics" {
		t.Errorf("context = %+v ok=%v", got, ok)
	}
	if _, ok := tcp.ContextAs[int](c); ok {
		t.Error("context retrieved under the wrong type")
	}
}

func TestLoopSelectorRoutesAcceptedConns(t *testing.T) {
	l1 := startLoop(t, "accept-main")
	l2 := startLoop(t, "accept-worker")

	owners := make(chan *loop.EventLoop, 4)
	onNew := func(c *tcp.Conn) { owners <- c.Loop() }
	sel := func() *loop.EventLoop { return l2 }

	ln, err := tcp.ListenWithSelector(l1, "127.0.0.1", 0, onNew, sel)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	dial(t, ln.Port())
	dial(t, ln.Port())
	for i := 0; i < 2; i++ {
		select {
		case owner := <-owners:
			if owner != l2 {
				t.Errorf("accepted conn owned by %q, want the selector's loop", owner.Name())
			}
		case <-time.After(2 * time.Second):
			t.Fatal("accepted connection never surfaced")
		}
	}
}

func TestListenerCloseStopsAccepting(t *testing.T) {
	l := startLoop(t, "ln-close")
	ln, err := tcp.Listen(l, "127.0.0.1", 0, func(*tcp.Conn) {})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := ln.Port()
	ln.Close()

	if _, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 200*time.Millisecond); err == nil {
		t.Error("dial succeeded after listener close")
	}
}

func TestRepeatBindFails(t *testing.T) {
	l := startLoop(t, "rebind")
	ln, err := tcp.Listen(l, "127.0.0.1", 0, func(*tcp.Conn) {})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	res := l.Execute(func() any { return ln.Bind("127.0.0.1", 0) }).Get()
	if res == nil {
		t.Error("second Bind on one listener succeeded")
	}
}
