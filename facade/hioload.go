//go:build linux
// +build linux

// File: facade/hioload.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime facade: a group of event loops behind one handle. Accepted
// connections fan out across the group through the listener's loop
// selector; dials round-robin the same way.

package facade

import (
	"errors"
	"fmt"
	"sync"
	"time"

	uberatomic "go.uber.org/atomic"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/loop"
	"github.com/momentics/hioload-net/tcp"
)

var ErrAlreadyRunning = errors.New("runtime already running")

// Runtime owns a fixed group of event loops. The first loop is the main
// loop: listeners bind there, and Execute targets it.
type Runtime struct {
	cfg     *control.Config
	loops   []*loop.EventLoop
	next    uberatomic.Uint64
	metrics *control.MetricsRegistry

	wg      sync.WaitGroup
	started uberatomic.Bool
}

// New builds a runtime from cfg; nil selects the defaults.
func New(cfg *control.Config) (*Runtime, error) {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	cfg.Normalize()

	rt := &Runtime{
		cfg:     cfg,
		metrics: control.NewMetricsRegistry(),
	}
	for i := 0; i < cfg.Loops; i++ {
		l, err := loop.New(loop.WithName(fmt.Sprintf("%s-%d", cfg.Name, i)))
		if err != nil {
			return nil, err
		}
		rt.loops = append(rt.loops, l)
	}
	return rt, nil
}

// Start runs every loop on its own goroutine.
func (rt *Runtime) Start() error {
	if !rt.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	for _, l := range rt.loops {
		l := l
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			l.Run()
		}()
	}
	return nil
}

// MainLoop returns the group's first loop.
func (rt *Runtime) MainLoop() *loop.EventLoop { return rt.loops[0] }

// NextLoop round-robins across the group; it is the selector handed to
// listeners.
func (rt *Runtime) NextLoop() *loop.EventLoop {
	n := rt.next.Inc()
	return rt.loops[int(n)%len(rt.loops)]
}

// Listen binds a listener on the main loop; accepted connections are
// distributed across the group and inherit the configured idle timeout
// and no-delay setting.
func (rt *Runtime) Listen(ip string, port int, onNew tcp.NewConnCallback) (*tcp.Listener, error) {
	wrapped := func(c *tcp.Conn) {
		if rt.cfg.NoDelay {
			c.SetNoDelay(true)
		}
		if rt.cfg.IdleTimeout > 0 {
			c.SetIdleTimeout(rt.cfg.IdleTimeout)
		}
		if onNew != nil {
			onNew(c)
		}
	}
	return tcp.ListenWithSelector(rt.MainLoop(), ip, port, wrapped, rt.NextLoop)
}

// Connect dials from the next loop in the group.
func (rt *Runtime) Connect(ip string, port int, onNew tcp.NewConnCallback, onFail tcp.ConnFailCallback) (*tcp.Conn, error) {
	return tcp.Connect(rt.NextLoop(), ip, port, onNew, onFail)
}

// Execute posts fn to the main loop.
func (rt *Runtime) Execute(fn func() any) *loop.Future {
	return rt.MainLoop().Execute(fn)
}

// ScheduleLater arms a one-shot timer on the main loop.
func (rt *Runtime) ScheduleLater(delay time.Duration, fn func()) api.TimerID {
	return rt.MainLoop().ScheduleLater(delay, fn)
}

// ScheduleRepeatedly arms a periodic timer on the main loop.
func (rt *Runtime) ScheduleRepeatedly(period time.Duration, fn func()) api.TimerID {
	return rt.MainLoop().ScheduleRepeatedly(period, fn)
}

// Cancel cancels a timer armed through the runtime.
func (rt *Runtime) Cancel(id api.TimerID) *loop.Future {
	return rt.MainLoop().Cancel(id)
}

// Metrics publishes every loop's counters and returns the snapshot.
func (rt *Runtime) Metrics() map[string]map[string]int64 {
	for _, l := range rt.loops {
		rt.metrics.Publish(l.Name(), l.Metrics())
	}
	return rt.metrics.Snapshot()
}

// Shutdown stops every loop and waits for their goroutines to exit.
func (rt *Runtime) Shutdown() {
	for _, l := range rt.loops {
		l.Stop()
	}
	rt.wg.Wait()
}
