// File: reactor/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Deadline-ordered timer engine shared by all reactor backends.

package reactor

import (
	"container/heap"
	"time"

	"github.com/momentics/hioload-net/api"
)

// minTimerPeriod is the smallest effective delay or period; shorter
// requests are clamped up.
const minTimerPeriod = time.Millisecond

// wakeInterval caps how long a reactor may sleep with no timer armed, so
// the loop observes state changes not routed through the notifier within
// one interval.
const wakeInterval = 10 * time.Millisecond

type timer struct {
	id        api.TimerID
	when      time.Time
	period    time.Duration
	repeat    bool
	cancelled bool
	cb        func()
	index     int // heap slot, -1 while not queued
}

type timerHeap []*timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerEngine owns the heap and the id lookup table. It is confined to the
// loop goroutine, like everything else in the reactor.
type timerEngine struct {
	queue timerHeap
	byID  map[api.TimerID]*timer
}

func newTimerEngine() *timerEngine {
	return &timerEngine{byID: make(map[api.TimerID]*timer)}
}

// schedule arms a timer under id, replacing any previous timer with the
// same id. The caller owns id allocation.
func (e *timerEngine) schedule(id api.TimerID, d time.Duration, cb func(), repeat bool) {
	if d < minTimerPeriod {
		d = minTimerPeriod
	}
	e.cancel(id)
	t := &timer{
		id:     id,
		when:   time.Now().Add(d),
		period: d,
		repeat: repeat,
		cb:     cb,
		index:  -1,
	}
	heap.Push(&e.queue, t)
	e.byID[id] = t
}

// cancel reports true if a timer with id existed and was removed before its
// next fire. A timer whose callback is currently executing is marked so it
// never fires again.
func (e *timerEngine) cancel(id api.TimerID) bool {
	t, ok := e.byID[id]
	if !ok {
		return false
	}
	t.cancelled = true
	delete(e.byID, id)
	if t.index >= 0 {
		heap.Remove(&e.queue, t.index)
	}
	return true
}

// nextTimeout returns how long the demultiplexer may sleep: until the
// nearest deadline, never more than wakeInterval, rounded up so a pending
// sub-millisecond deadline still sleeps one tick.
func (e *timerEngine) nextTimeout(now time.Time) time.Duration {
	d := wakeInterval
	if len(e.queue) > 0 {
		until := e.queue[0].when.Sub(now)
		if until < d {
			d = until
		}
	}
	if d <= 0 {
		return 0
	}
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

// runExpired fires every timer due at now. One-shot timers drop their
// record after the callback returns. Periodic timers re-arm at fixed
// interval from the previous scheduled fire; when fires were missed the
// next deadline is pushed past now instead of replaying the backlog.
func (e *timerEngine) runExpired(now time.Time) int {
	fired := 0
	for len(e.queue) > 0 && !e.queue[0].when.After(now) {
		t := heap.Pop(&e.queue).(*timer)
		fired++
		t.cb()

		if t.cancelled || e.byID[t.id] != t {
			continue // cancelled or replaced from inside the callback
		}
		if !t.repeat {
			delete(e.byID, t.id)
			continue
		}
		next := t.when.Add(t.period)
		if !next.After(now) {
			next = now.Add(t.period)
		}
		t.when = next
		heap.Push(&e.queue, t)
	}
	return fired
}

// clear drops every armed timer, used at reactor teardown.
func (e *timerEngine) clear() {
	for _, t := range e.byID {
		t.cancelled = true
	}
	e.queue = nil
	e.byID = make(map[api.TimerID]*timer)
}
