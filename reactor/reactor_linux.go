//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll(7)-based reactor: readiness demultiplexing for registered
// event objects plus the shared timer engine. Watches are level-triggered;
// the registration record tracks the currently installed mask so Modify can
// reconcile it against the requested one.

package reactor

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	uberatomic "go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
)

const maxEpollEvents = 128

// registration is the per-object record. It exists for every tracked
// object, including ones registered with an empty mask; mask reflects the
// OS watches actually installed.
type registration struct {
	obj  api.EventObject
	fd   int
	mask int
}

type epollReactor struct {
	epfd    int
	objects map[int]*registration // unique id -> record
	byFd    map[int]int           // watched fd -> unique id
	timers  *timerEngine
	closed  bool
	log     zerolog.Logger

	eventBuf [maxEpollEvents]unix.EpollEvent

	dispatched  uberatomic.Int64
	timersFired uberatomic.Int64
}

// New constructs the platform reactor for this OS.
func New(log zerolog.Logger) (api.Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollReactor{
		epfd:    epfd,
		objects: make(map[int]*registration),
		byFd:    make(map[int]int),
		timers:  newTimerEngine(),
		log:     log.With().Str("component", "reactor").Logger(),
	}, nil
}

func (r *epollReactor) Register(obj api.EventObject, events int) error {
	if obj == nil {
		return api.ErrInvalidArgument
	}
	if r.closed {
		return api.ErrReactorClosed
	}
	id := obj.UniqueID()
	if id < 0 {
		return api.ErrInvalidArgument
	}
	if _, dup := r.objects[id]; dup {
		return api.ErrAlreadyRegistered
	}

	rec := &registration{obj: obj, fd: obj.Fd(), mask: api.EventNone}
	if err := r.applyMask(rec, events); err != nil {
		return err
	}
	r.objects[id] = rec
	return nil
}

func (r *epollReactor) Modify(obj api.EventObject, events int) error {
	if obj == nil {
		return api.ErrInvalidArgument
	}
	if r.closed {
		return api.ErrReactorClosed
	}
	rec, ok := r.objects[obj.UniqueID()]
	if !ok {
		return api.ErrNotRegistered
	}
	return r.applyMask(rec, events)
}

func (r *epollReactor) Unregister(obj api.EventObject) {
	if obj == nil {
		return
	}
	rec, ok := r.objects[obj.UniqueID()]
	if !ok {
		return
	}
	if rec.mask != api.EventNone {
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, rec.fd, nil)
		delete(r.byFd, rec.fd)
	}
	delete(r.objects, obj.UniqueID())
}

// applyMask reconciles the installed epoll watch with the requested mask.
func (r *epollReactor) applyMask(rec *registration, events int) error {
	if events == rec.mask {
		return nil
	}
	if rec.fd < 0 {
		if events == api.EventNone {
			rec.mask = events
			return nil
		}
		return api.ErrInvalidArgument
	}

	var op int
	switch {
	case rec.mask == api.EventNone:
		op = unix.EPOLL_CTL_ADD
	case events == api.EventNone:
		op = unix.EPOLL_CTL_DEL
	default:
		op = unix.EPOLL_CTL_MOD
	}

	var ev *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		ev = &unix.EpollEvent{Fd: int32(rec.fd)}
		if events&api.EventRead != 0 {
			ev.Events |= unix.EPOLLIN
		}
		if events&api.EventWrite != 0 {
			ev.Events |= unix.EPOLLOUT
		}
	}
	if err := unix.EpollCtl(r.epfd, op, rec.fd, ev); err != nil {
		return fmt.Errorf("epoll ctl op %d fd %d: %w", op, rec.fd, err)
	}

	if op == unix.EPOLL_CTL_DEL {
		delete(r.byFd, rec.fd)
	} else {
		r.byFd[rec.fd] = rec.obj.UniqueID()
	}
	rec.mask = events
	return nil
}

func (r *epollReactor) Poll() error {
	if r.closed {
		return api.ErrReactorClosed
	}

	now := time.Now()
	timeout := int(r.timers.nextTimeout(now) / time.Millisecond)

	n, err := unix.EpollWait(r.epfd, r.eventBuf[:], timeout)
	if err != nil {
		if err == unix.EINTR {
			n = 0
		} else {
			return fmt.Errorf("epoll wait: %w", err)
		}
	}

	for i := 0; i < n; i++ {
		ev := r.eventBuf[i]
		id, ok := r.byFd[int(ev.Fd)]
		if !ok {
			continue // unregistered by an earlier handler in this batch
		}
		rec, ok := r.objects[id]
		if !ok {
			continue
		}
		r.dispatch(rec, ev.Events)
	}

	r.timersFired.Add(int64(r.timers.runExpired(time.Now())))
	return nil
}

// dispatch delivers readiness to one object: read before write, and a
// handler returning false routes to HandleError before any further events
// for the object in the same iteration.
func (r *epollReactor) dispatch(rec *registration, events uint32) {
	r.dispatched.Inc()
	obj := rec.obj

	if events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		if !obj.HandleRead() {
			obj.HandleError()
			return
		}
	}
	if events&unix.EPOLLOUT != 0 {
		// The read handler may have closed the object; only deliver the
		// write event while it is still registered.
		if _, live := r.objects[obj.UniqueID()]; !live {
			return
		}
		if !obj.HandleWrite() {
			obj.HandleError()
		}
	}
}

func (r *epollReactor) ScheduleLater(id api.TimerID, delay time.Duration, cb func()) {
	r.timers.schedule(id, delay, cb, false)
}

func (r *epollReactor) ScheduleRepeatedly(id api.TimerID, period time.Duration, cb func()) {
	r.timers.schedule(id, period, cb, true)
}

func (r *epollReactor) Cancel(id api.TimerID) bool {
	return r.timers.cancel(id)
}

func (r *epollReactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	for id, rec := range r.objects {
		if rec.mask != api.EventNone {
			_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, rec.fd, nil)
		}
		delete(r.objects, id)
	}
	r.byFd = make(map[int]int)
	r.timers.clear()
	return unix.Close(r.epfd)
}

// Stats exposes dispatch counters for the control layer.
func (r *epollReactor) Stats() map[string]int64 {
	return map[string]int64{
		"events_dispatched": r.dispatched.Load(),
		"timers_fired":      r.timersFired.Load(),
	}
}
