//go:build linux
// +build linux

// File: tcp/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Buffered TCP connection driven by a reactor. Outbound bytes queue in
// per-send segments flushed with writev once the descriptor is writable;
// inbound bytes accumulate in a contiguous buffer handed to the framing
// callback. All mutation happens on the owning loop's goroutine.

package tcp

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	uberatomic "go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/netutil"
	"github.com/momentics/hioload-net/loop"
)

// State is the connection lifecycle phase. Disconnected and Failed are
// absorbing; the connection leaves its loop on entry to either.
type State int32

const (
	StateNone State = iota
	StateConnecting
	StateConnected
	StateDisconnected // unrecoverable, but was connected before
	StateFailed       // unrecoverable, never connected
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const (
	readChunkSize     = 16 << 10
	maxFlushSegments  = 16
	idleCheckInterval = 100 * time.Millisecond
)

// Conn is a buffered bidirectional byte stream over a TCP socket.
type Conn struct {
	api.BaseObject

	loop *loop.EventLoop
	fd   int

	state uberatomic.Int32

	peerIP   string
	peerPort int
	peerAddr unix.Sockaddr

	onNewConn    NewConnCallback
	onMessage    MessageCallback
	onDisconnect DisconnectCallback
	onFail       ConnFailCallback

	readBuf   []byte
	inBuf     []byte
	outQ      *queue.Queue // of []byte segments
	outOff    int          // bytes of the head segment already written
	watchMask int

	idleTimer   api.TimerID
	idleTimeout time.Duration
	lastActive  time.Time

	ctxMu sync.RWMutex
	ctx   any

	log zerolog.Logger
}

// NewConn creates a connection owned by l, in the initial state.
func NewConn(l *loop.EventLoop) *Conn {
	c := &Conn{
		BaseObject: api.NewBaseObject(),
		loop:       l,
		fd:         -1,
		peerPort:   -1,
		outQ:       queue.New(),
		readBuf:    make([]byte, readChunkSize),
		idleTimer:  -1,
		lastActive: time.Now(),
		log:        l.Logger().With().Str("component", "tcp").Logger(),
	}
	c.state.Store(int32(StateNone))
	return c
}

// SetNewConnCallback installs the post-handshake callback.
func (c *Conn) SetNewConnCallback(cb NewConnCallback) { c.onNewConn = cb }

// SetMessageCallback installs the framing callback.
func (c *Conn) SetMessageCallback(cb MessageCallback) { c.onMessage = cb }

// SetOnDisconnect installs the disconnect callback.
func (c *Conn) SetOnDisconnect(cb DisconnectCallback) { c.onDisconnect = cb }

// SetFailCallback installs the connect-failure callback.
func (c *Conn) SetFailCallback(cb ConnFailCallback) { c.onFail = cb }

// Loop returns the owning event loop.
func (c *Conn) Loop() *loop.EventLoop { return c.loop }

// PeerIP returns the peer address, empty before connect/accept.
func (c *Conn) PeerIP() string { return c.peerIP }

// PeerPort returns the peer port, -1 before connect/accept.
func (c *Conn) PeerPort() int { return c.peerPort }

// PeerAddr returns the raw peer sockaddr.
func (c *Conn) PeerAddr() unix.Sockaddr { return c.peerAddr }

// State returns the current lifecycle phase. Safe from any goroutine.
func (c *Conn) State() State { return State(c.state.Load()) }

// Connected reports whether the connection is in the connected state.
func (c *Conn) Connected() bool { return c.State() == StateConnected }

// Fd returns the socket descriptor, -1 when closed or not yet dialed.
func (c *Conn) Fd() int { return c.fd }

// SetContext stores an opaque user value on the connection; the runtime
// never inspects it.
func (c *Conn) SetContext(ctx any) {
	c.ctxMu.Lock()
	c.ctx = ctx
	c.ctxMu.Unlock()
}

// Context returns the value stored with SetContext.
func (c *Conn) Context() any {
	c.ctxMu.RLock()
	defer c.ctxMu.RUnlock()
	return c.ctx
}

// ContextAs retrieves the connection context as a T.
func ContextAs[T any](c *Conn) (T, bool) {
	v, ok := c.Context().(T)
	return v, ok
}

// Connect initiates a non-blocking dial to ip:port. Must run on the loop
// goroutine; use the package-level Connect from anywhere else. The result
// of the handshake arrives through the new-connection or fail callback.
func (c *Conn) Connect(ip string, port int) error {
	c.mustBeInLoop("Connect")
	if c.State() != StateNone {
		c.log.Error().Str("peer", addrString(ip, port)).Stringer("state", c.State()).
			Msg("repeat connect on tcp socket")
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
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return fmt.Errorf("connect %s: %w", addrString(ip, port), err)
	}

	c.fd = fd
	if err := c.loop.Register(c, api.EventNone); err != nil {
		_ = unix.Close(fd)
		c.fd = -1
		return err
	}
	// Connect completion is reported as writability.
	if err := c.setWatch(api.EventWrite); err != nil {
		c.loop.Unregister(c)
		_ = unix.Close(fd)
		c.fd = -1
		return err
	}

	c.peerIP = ip
	c.peerPort = port
	c.peerAddr = sa
	c.state.Store(int32(StateConnecting))
	c.log.Info().Str("loop", c.loop.Name()).Str("peer", addrString(ip, port)).
		Msg("trying to connect")
	return nil
}

// OnAccept adopts an already-connected descriptor from the accept path.
// Must run on the loop goroutine.
func (c *Conn) OnAccept(fd int, peerIP string, peerPort int) error {
	c.mustBeInLoop("OnAccept")

	c.peerIP = peerIP
	c.peerPort = peerPort
	if sa, err := netutil.ResolveSockaddr(peerIP, peerPort); err == nil {
		c.peerAddr = sa
	}
	if err := netutil.SetNonblockCloexec(fd); err != nil {
		_ = unix.Close(fd)
		return err
	}

	c.fd = fd
	if err := c.loop.Register(c, api.EventNone); err != nil {
		_ = unix.Close(fd)
		c.fd = -1
		return err
	}
	c.handleConnect()
	return nil
}

// Send appends data to the outbound buffer. Returns true in the connected
// state; any other state logs and returns false. Delivery is
// fire-and-forget: the reactor drains the buffer when the socket is
// writable.
func (c *Conn) Send(data []byte) bool {
	return c.SendV(data)
}

// SendV is the vectored variant of Send with the same contract.
func (c *Conn) SendV(bufs ...[]byte) bool {
	if c.State() != StateConnected {
		c.log.Error().Stringer("state", c.State()).Msg("send in wrong state")
		return false
	}
	c.mustBeInLoop("Send")

	queued := false
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		seg := make([]byte, len(b))
		copy(seg, b)
		c.outQ.Add(seg)
		queued = true
	}
	if queued {
		if err := c.setWatch(c.watchMask | api.EventWrite); err != nil {
			c.log.Error().Err(err).Msg("enable write watch failed")
			return false
		}
	}
	return true
}

// SetIdleTimeout arms the idle supervisor: every 100 ms the connection
// checks the time since the last received batch and closes itself once the
// threshold is reached. Re-setting cancels the previous supervisor.
func (c *Conn) SetIdleTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	if !c.loop.InThisLoop() {
		c.loop.Execute(func() any { c.SetIdleTimeout(d); return nil })
		return
	}

	c.idleTimeout = d
	if c.idleTimer != -1 {
		c.loop.Cancel(c.idleTimer)
	}
	c.idleTimer = c.loop.ScheduleRepeatedly(idleCheckInterval, func() {
		if c.State() != StateConnected {
			return // connection already gone
		}
		elapsed := time.Since(c.lastActive)
		if elapsed >= c.idleTimeout {
			c.log.Warn().Dur("elapsed", elapsed).Dur("timeout", c.idleTimeout).
				Str("peer", addrString(c.peerIP, c.peerPort)).Msg("idle timeout")
			c.ActiveClose(false)
		}
	})
}

// SetNoDelay toggles Nagle's algorithm on the underlying socket.
func (c *Conn) SetNoDelay(enable bool) {
	if c.fd < 0 {
		return
	}
	v := 0
	if enable {
		v = 1
	}
	_ = unix.SetsockoptInt(c.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// ActiveClose transitions a connected connection to disconnected. Off the
// loop goroutine the transition is posted; with sync true the call blocks
// until it has completed on the loop.
func (c *Conn) ActiveClose(sync bool) {
	destroy := func() any {
		if c.State() == StateConnected {
			c.handleDisconnect()
		}
		return nil
	}

	if c.loop.InThisLoop() {
		destroy()
		return
	}
	fut := c.loop.Execute(destroy)
	if sync {
		fut.Get()
	}
}

// HandleRead drains the socket and feeds the framing callback.
func (c *Conn) HandleRead() bool {
	if c.State() == StateConnecting {
		return c.finishConnect()
	}
	if c.State() != StateConnected {
		return true
	}

	eof := false
	received := false
	for {
		n, err := unix.Read(c.fd, c.readBuf)
		if n > 0 {
			c.inBuf = append(c.inBuf, c.readBuf[:n]...)
			received = true
			if n < len(c.readBuf) {
				break
			}
			continue
		}
		if n == 0 {
			eof = true
			break
		}
		if err == unix.EAGAIN {
			break
		}
		if err == unix.EINTR {
			continue
		}
		eof = true // reset by peer
		break
	}

	if received && c.idleTimer != -1 {
		c.lastActive = time.Now()
	}

	// Consume loop: the callback is offered the whole unconsumed prefix
	// until it stops making progress or the buffer is exhausted.
	total := 0
	fatal := false
	for c.onMessage != nil && total < len(c.inBuf) && c.State() == StateConnected {
		consumed := c.onMessage(c, c.inBuf[total:])
		if consumed > 0 {
			total += consumed
			continue
		}
		if consumed < 0 {
			fatal = true
		}
		break
	}
	if total > len(c.inBuf) {
		total = len(c.inBuf) // misbehaving callback claimed more than it was given
	}
	if total > 0 {
		c.inBuf = append(c.inBuf[:0], c.inBuf[total:]...)
	}

	if fatal && c.State() == StateConnected {
		c.log.Error().Str("peer", addrString(c.peerIP, c.peerPort)).Msg("fatal framing error")
		c.handleDisconnect()
		return true
	}
	if eof && c.State() == StateConnected {
		c.handleDisconnect()
	}
	return true
}

// HandleWrite flushes queued segments with writev and drops the write
// watch once the queue is empty.
func (c *Conn) HandleWrite() bool {
	if c.State() == StateConnecting {
		return c.finishConnect()
	}
	if c.State() != StateConnected {
		return true
	}

	for c.outQ.Length() > 0 {
		n := c.outQ.Length()
		if n > maxFlushSegments {
			n = maxFlushSegments
		}
		vecs := make([][]byte, 0, n)
		for i := 0; i < n; i++ {
			seg := c.outQ.Get(i).([]byte)
			if i == 0 {
				seg = seg[c.outOff:]
			}
			vecs = append(vecs, seg)
		}

		written, err := unix.Writev(c.fd, vecs)
		if err == unix.EAGAIN {
			return true
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			c.log.Error().Err(err).Msg("writev failed")
			return false
		}
		c.advanceOut(written)
	}

	return c.setWatch(api.EventRead) == nil
}

// HandleError is the reactor's terminal notification.
func (c *Conn) HandleError() {
	switch c.State() {
	case StateConnecting:
		c.handleConnectFailed()
	case StateConnected:
		c.handleDisconnect()
	default:
		c.release()
	}
}

// finishConnect resolves the pending dial once the socket reports an
// event: SO_ERROR decides between the connected and failed transitions.
func (c *Conn) finishConnect() bool {
	soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || soerr != 0 {
		c.handleConnectFailed()
		return true
	}
	c.handleConnect()
	return true
}

func (c *Conn) handleConnect() {
	st := c.State()
	if st != StateNone && st != StateConnecting {
		panic("tcp: handleConnect in state " + st.String())
	}
	c.state.Store(int32(StateConnected))
	if err := c.setWatch(api.EventRead); err != nil {
		c.log.Error().Err(err).Msg("enable read watch failed")
	}
	c.log.Info().Str("peer", addrString(c.peerIP, c.peerPort)).Msg("connection established")

	if c.onNewConn != nil {
		c.onNewConn(c)
	}
}

func (c *Conn) handleConnectFailed() {
	c.state.Store(int32(StateFailed))
	c.log.Error().Str("peer", addrString(c.peerIP, c.peerPort)).Msg("connect failed")
	c.cancelIdleTimer()
	if c.onFail != nil {
		c.onFail(c.loop, c.peerIP, c.peerPort)
	}
	c.release()
}

func (c *Conn) handleDisconnect() {
	c.state.Store(int32(StateDisconnected))
	c.log.Info().Str("peer", addrString(c.peerIP, c.peerPort)).Msg("connection closed")
	c.cancelIdleTimer()
	if c.onDisconnect != nil {
		c.onDisconnect(c)
	}
	c.release()
}

func (c *Conn) cancelIdleTimer() {
	if c.idleTimer != -1 {
		c.loop.Cancel(c.idleTimer)
		c.idleTimer = -1
	}
}

// release unregisters from the loop and closes the descriptor.
func (c *Conn) release() {
	if c.UniqueID() != api.InvalidID {
		c.loop.Unregister(c)
	}
	if c.fd >= 0 {
		_ = unix.Close(c.fd)
		c.fd = -1
	}
}

func (c *Conn) advanceOut(n int) {
	for n > 0 && c.outQ.Length() > 0 {
		head := c.outQ.Peek().([]byte)
		remain := len(head) - c.outOff
		if n >= remain {
			c.outQ.Remove()
			c.outOff = 0
			n -= remain
			continue
		}
		c.outOff += n
		n = 0
	}
}

func (c *Conn) setWatch(mask int) error {
	if mask == c.watchMask {
		return nil
	}
	if err := c.loop.Modify(c, mask); err != nil {
		return err
	}
	c.watchMask = mask
	return nil
}

func (c *Conn) mustBeInLoop(op string) {
	if !c.loop.InThisLoop() {
		panic("tcp: " + op + " called off the loop goroutine")
	}
}

func addrString(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}
