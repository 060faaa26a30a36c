// File: loop/loop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EventLoop drives one reactor from one goroutine. The task inbox is the
// only structure other goroutines write; it is guarded by a mutex taken
// with TryLock on the hot path so slow submitters never stall the loop.

package loop

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	uberatomic "go.uber.org/atomic"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/reactor"
)

// ReactorFactory builds the backend demultiplexer; replaced in tests.
type ReactorFactory func(zerolog.Logger) (api.Reactor, error)

// Option configures an EventLoop at construction.
type Option func(*EventLoop)

// WithName sets the loop's display name, carried in every log line.
func WithName(name string) Option {
	return func(l *EventLoop) { l.name.Store(name) }
}

// WithLogger replaces the default stderr logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *EventLoop) { l.log = log }
}

// WithReactorFactory replaces the platform reactor, used by tests to
// inject fakes.
func WithReactorFactory(f ReactorFactory) Option {
	return func(l *EventLoop) { l.reactorFactory = f }
}

// timerIDGen is process-wide: no two live timers in the process share an
// id. On wrap to a non-positive value the counter resets to zero.
var timerIDGen uberatomic.Int64

func nextTimerID() api.TimerID {
	for {
		id := timerIDGen.Inc()
		if id > 0 {
			return id
		}
		timerIDGen.CompareAndSwap(id, 0)
	}
}

// EventLoop owns one reactor, the self-pipe notifier, the registry of live
// event objects and the cross-goroutine task inbox.
type EventLoop struct {
	reactorFactory ReactorFactory
	reactor        api.Reactor
	notifier       *pipeNotifier
	objects        map[int]api.EventObject
	objIDGen       int

	taskMu sync.Mutex
	tasks  *queue.Queue // of func()

	// pendingArms holds arming thunks for timers scheduled off-loop whose
	// arming task has not yet drained. Cancel consumes the entry instead
	// of the arming task, which makes the cancel observable as successful
	// and the later arming a no-op.
	pendingMu   sync.Mutex
	pendingArms map[api.TimerID]func()

	running uberatomic.Bool
	gid     uberatomic.Uint64
	name    uberatomic.String
	log     zerolog.Logger

	tasksExecuted uberatomic.Int64
	objCount      uberatomic.Int64
}

// New constructs an EventLoop. The loop is not bound to any goroutine
// until Run is called.
func New(opts ...Option) (*EventLoop, error) {
	l := &EventLoop{
		reactorFactory: reactor.New,
		objects:        make(map[int]api.EventObject),
		tasks:          queue.New(),
		pendingArms:    make(map[api.TimerID]func()),
		log:            zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
	l.running.Store(true)
	for _, o := range opts {
		o(l)
	}

	r, err := l.reactorFactory(l.log)
	if err != nil {
		return nil, err
	}
	n, err := newNotifier()
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	l.reactor = r
	l.notifier = n
	return l, nil
}

// SetName sets the loop's display name.
func (l *EventLoop) SetName(name string) { l.name.Store(name) }

// Name returns the loop's display name.
func (l *EventLoop) Name() string { return l.name.Load() }

// Reactor exposes the backend reactor to the TCP layer.
func (l *EventLoop) Reactor() api.Reactor { return l.reactor }

// Logger returns the loop's logger enriched with the loop name.
func (l *EventLoop) Logger() zerolog.Logger {
	return l.log.With().Str("loop", l.Name()).Logger()
}

// InThisLoop reports whether the caller runs on the loop's goroutine.
func (l *EventLoop) InThisLoop() bool {
	gid := l.gid.Load()
	return gid != 0 && gid == goroutineID()
}

func (l *EventLoop) mustBeInLoop(op string) {
	if !l.InThisLoop() {
		panic("loop: " + op + " called off the loop goroutine")
	}
}

// Run binds the loop to the calling goroutine and drives it until Stop.
// The goroutine is pinned to an OS thread for the duration, so loop-per-
// goroutine is loop-per-thread at runtime.
func (l *EventLoop) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	gid := bindCurrentGoroutine(l)
	l.gid.Store(gid)
	defer func() {
		l.gid.Store(0)
		unbindGoroutine(gid)
	}()

	if err := l.Register(l.notifier, api.EventRead); err != nil {
		panic("loop: register notifier: " + err.Error())
	}

	log := l.Logger()
	log.Info().Msg("event loop running")

	for l.running.Load() {
		l.drainTasks()
		if err := l.reactor.Poll(); err != nil {
			log.Error().Err(err).Msg("reactor poll failed")
		}
	}

	// Teardown: unregister everything, discard pending tasks, release the
	// reactor. Tasks posted after this point are never executed.
	for id, obj := range l.objects {
		l.reactor.Unregister(obj)
		delete(l.objects, id)
		l.objCount.Dec()
	}
	l.taskMu.Lock()
	l.tasks = queue.New()
	l.taskMu.Unlock()
	l.notifier.Close()
	if err := l.reactor.Close(); err != nil {
		log.Error().Err(err).Msg("reactor close failed")
	}
	log.Info().Msg("event loop stopped")
}

// drainTasks swaps the inbox under TryLock and executes each task in FIFO
// order. A failed TryLock just defers the drain to the next iteration.
func (l *EventLoop) drainTasks() {
	if !l.taskMu.TryLock() {
		return
	}
	var local []func()
	for l.tasks.Length() > 0 {
		local = append(local, l.tasks.Remove().(func()))
	}
	l.taskMu.Unlock()

	for _, task := range local {
		task()
		l.tasksExecuted.Inc()
	}
}

// Stop requests loop exit and wakes it.
func (l *EventLoop) Stop() {
	l.running.Store(false)
	l.notifier.Notify()
}

// Execute runs fn on the loop goroutine. Called on the loop itself, fn runs
// synchronously and the returned future is already resolved. Called from
// any other goroutine, fn is appended to the task inbox and the loop is
// woken; tasks from a single submitter run in submission order.
func (l *EventLoop) Execute(fn func() any) *Future {
	if l.InThisLoop() {
		return resolvedFuture(fn())
	}

	f := newFuture()
	l.taskMu.Lock()
	l.tasks.Add(func() { f.complete(fn()) })
	l.taskMu.Unlock()
	l.notifier.Notify()
	return f
}

// ScheduleLater arms a one-shot timer after delay and returns its id
// immediately, even off-loop: the actual arming is posted to the loop and a
// racing Cancel is honoured through the pending-arm set.
func (l *EventLoop) ScheduleLater(delay time.Duration, fn func()) api.TimerID {
	id := nextTimerID()
	l.arm(id, func() { l.reactor.ScheduleLater(id, delay, fn) })
	return id
}

// ScheduleRepeatedly arms a periodic timer with the given period.
func (l *EventLoop) ScheduleRepeatedly(period time.Duration, fn func()) api.TimerID {
	id := nextTimerID()
	l.arm(id, func() { l.reactor.ScheduleRepeatedly(id, period, fn) })
	return id
}

func (l *EventLoop) arm(id api.TimerID, thunk func()) {
	if l.InThisLoop() {
		thunk()
		return
	}
	l.pendingMu.Lock()
	l.pendingArms[id] = thunk
	l.pendingMu.Unlock()

	l.Execute(func() any {
		l.pendingMu.Lock()
		th, ok := l.pendingArms[id]
		delete(l.pendingArms, id)
		l.pendingMu.Unlock()
		if ok {
			th() // not cancelled in the meantime
		}
		return nil
	})
}

// Cancel removes the timer with id. The returned future resolves true when
// the fire was prevented: either the reactor dropped a live timer, or the
// timer was still pending its arming task and never got armed.
func (l *EventLoop) Cancel(id api.TimerID) *Future {
	if l.InThisLoop() {
		return resolvedFuture(l.cancelLocal(id))
	}
	return l.Execute(func() any { return l.cancelLocal(id) })
}

func (l *EventLoop) cancelLocal(id api.TimerID) bool {
	if l.reactor.Cancel(id) {
		return true
	}
	l.pendingMu.Lock()
	_, ok := l.pendingArms[id]
	delete(l.pendingArms, id)
	l.pendingMu.Unlock()
	return ok
}

// Register assigns obj a unique id and starts tracking it. Must be called
// on the loop goroutine.
func (l *EventLoop) Register(obj api.EventObject, events int) error {
	if obj == nil {
		return api.ErrInvalidArgument
	}
	l.mustBeInLoop("Register")
	if obj.UniqueID() != api.InvalidID {
		panic("loop: Register of an already-registered object")
	}

	// Allocate the next free id; on wrap the counter resets and ids still
	// live in the registry are skipped.
	for {
		l.objIDGen++
		if l.objIDGen < 0 {
			l.objIDGen = 0
			continue
		}
		if _, live := l.objects[l.objIDGen]; !live {
			break
		}
	}
	obj.SetUniqueID(l.objIDGen)

	if err := l.reactor.Register(obj, events); err != nil {
		obj.SetUniqueID(api.InvalidID)
		return err
	}
	l.objects[obj.UniqueID()] = obj
	l.objCount.Inc()
	return nil
}

// Modify reconciles the OS watches for a registered object. Must be called
// on the loop goroutine.
func (l *EventLoop) Modify(obj api.EventObject, events int) error {
	if obj == nil {
		return api.ErrInvalidArgument
	}
	l.mustBeInLoop("Modify")
	if _, ok := l.objects[obj.UniqueID()]; !ok {
		return api.ErrNotRegistered
	}
	return l.reactor.Modify(obj, events)
}

// Unregister drops obj from the loop and the reactor. Must be called on
// the loop goroutine; unknown objects are a no-op.
func (l *EventLoop) Unregister(obj api.EventObject) {
	if obj == nil {
		return
	}
	l.mustBeInLoop("Unregister")
	id := obj.UniqueID()
	if _, ok := l.objects[id]; !ok {
		return
	}
	l.reactor.Unregister(obj)
	delete(l.objects, id)
	l.objCount.Dec()
	obj.SetUniqueID(api.InvalidID)
}

// Reset tears the loop's reactor and notifier down and rebuilds them,
// dropping every registered object and queued task. For tests only.
func (l *EventLoop) Reset() error {
	do := func() error {
		for id, obj := range l.objects {
			l.reactor.Unregister(obj)
			obj.SetUniqueID(api.InvalidID)
			delete(l.objects, id)
			l.objCount.Dec()
		}
		l.taskMu.Lock()
		l.tasks = queue.New()
		l.taskMu.Unlock()
		l.pendingMu.Lock()
		l.pendingArms = make(map[api.TimerID]func())
		l.pendingMu.Unlock()

		l.notifier.Close()
		_ = l.reactor.Close()

		r, err := l.reactorFactory(l.log)
		if err != nil {
			return err
		}
		n, err := newNotifier()
		if err != nil {
			_ = r.Close()
			return err
		}
		l.reactor = r
		l.notifier = n
		if l.gid.Load() != 0 {
			return l.Register(l.notifier, api.EventRead)
		}
		return nil
	}

	if l.gid.Load() == 0 || l.InThisLoop() {
		return do()
	}
	res := l.Execute(func() any { return do() })
	err, _ := res.Get().(error)
	return err
}

type statsProvider interface{ Stats() map[string]int64 }

// Metrics snapshots the loop's counters, merged with the reactor's when it
// exposes any.
func (l *EventLoop) Metrics() map[string]int64 {
	out := map[string]int64{
		"tasks_executed": l.tasksExecuted.Load(),
		"wakeups":        l.notifier.wakeups.Load(),
		"objects":        l.objCount.Load(),
	}
	if sp, ok := l.reactor.(statsProvider); ok {
		for k, v := range sp.Stats() {
			out[k] = v
		}
	}
	return out
}
