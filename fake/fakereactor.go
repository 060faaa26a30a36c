// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

// Package fake provides test doubles for the api contracts.
package fake

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-net/api"
)

// Factory adapts a fake reactor to the loop's reactor-factory hook.
func Factory(r *Reactor) func(zerolog.Logger) (api.Reactor, error) {
	return func(zerolog.Logger) (api.Reactor, error) { return r, nil }
}

// Reactor is a scriptable api.Reactor: registrations and timers are
// recorded in plain maps, Poll returns after a one-millisecond sleep, and tests fire
// readiness or timers by hand.
type Reactor struct {
	Objects map[int]int // unique id -> current event mask
	objs    map[int]api.EventObject
	Timers  map[api.TimerID]*FakeTimer
	Polls   int
	Closed  bool
}

// FakeTimer records one armed timer.
type FakeTimer struct {
	Period time.Duration
	Repeat bool
	CB     func()
}

// NewReactor builds an empty fake reactor.
func NewReactor() *Reactor {
	return &Reactor{
		Objects: make(map[int]int),
		objs:    make(map[int]api.EventObject),
		Timers:  make(map[api.TimerID]*FakeTimer),
	}
}

func (r *Reactor) Register(obj api.EventObject, events int) error {
	if r.Closed {
		return api.ErrReactorClosed
	}
	id := obj.UniqueID()
	if _, dup := r.Objects[id]; dup {
		return api.ErrAlreadyRegistered
	}
	r.Objects[id] = events
	r.objs[id] = obj
	return nil
}

func (r *Reactor) Modify(obj api.EventObject, events int) error {
	id := obj.UniqueID()
	if _, ok := r.Objects[id]; !ok {
		return api.ErrNotRegistered
	}
	r.Objects[id] = events
	return nil
}

func (r *Reactor) Unregister(obj api.EventObject) {
	delete(r.Objects, obj.UniqueID())
	delete(r.objs, obj.UniqueID())
}

func (r *Reactor) Poll() error {
	if r.Closed {
		return api.ErrReactorClosed
	}
	r.Polls++
	// Yield briefly so fake-driven loops do not spin a core.
	time.Sleep(time.Millisecond)
	return nil
}

func (r *Reactor) ScheduleLater(id api.TimerID, delay time.Duration, cb func()) {
	r.Timers[id] = &FakeTimer{Period: delay, CB: cb}
}

func (r *Reactor) ScheduleRepeatedly(id api.TimerID, period time.Duration, cb func()) {
	r.Timers[id] = &FakeTimer{Period: period, Repeat: true, CB: cb}
}

func (r *Reactor) Cancel(id api.TimerID) bool {
	if _, ok := r.Timers[id]; !ok {
		return false
	}
	delete(r.Timers, id)
	return true
}

func (r *Reactor) Close() error {
	r.Closed = true
	return nil
}

// Fire invokes the callback of an armed timer, removing one-shot records
// the way a real reactor would.
func (r *Reactor) Fire(id api.TimerID) bool {
	t, ok := r.Timers[id]
	if !ok {
		return false
	}
	t.CB()
	if !t.Repeat {
		delete(r.Timers, id)
	}
	return true
}

// TriggerRead delivers a read event to a registered object by unique id,
// following the false-means-error contract.
func (r *Reactor) TriggerRead(id int) {
	if obj, ok := r.objs[id]; ok {
		if !obj.HandleRead() {
			obj.HandleError()
		}
	}
}
