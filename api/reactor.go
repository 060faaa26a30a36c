// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Defines the abstract interface for event-driven IO reactors used to
// multiplex event objects across poll-mode backends (epoll today; kqueue,
// IOCP or io_uring are possible future backends behind the same contract).

package api

import "time"

// TimerID addresses an armed timer for cancellation.
type TimerID = int64

// Reactor is the OS-level readiness demultiplexer plus timer engine. It
// knows nothing about TCP semantics. All methods must be called from the
// owning loop's goroutine.
type Reactor interface {
	// Register starts tracking obj. events is a mask over EventRead and
	// EventWrite; EventNone tracks the object without installing any OS
	// watch. Registering an already-registered object fails.
	Register(obj EventObject, events int) error

	// Modify idempotently brings the OS watches for obj into agreement
	// with the mask: missing watches are created, watches no longer
	// requested are released.
	Modify(obj EventObject, events int) error

	// Unregister releases all OS watches for obj and drops its record.
	// Unregistering an unknown object is a no-op.
	Unregister(obj EventObject)

	// Poll runs one iteration of the demultiplexer: it blocks at most
	// until the next timer deadline (capped by the periodic wake-up),
	// dispatches ready descriptors and expired timers, then returns.
	// A non-nil error reports an unrecoverable demultiplexer failure;
	// the caller logs and continues.
	Poll() error

	// ScheduleLater arms a one-shot timer under the caller-allocated id.
	// The minimum effective delay is one millisecond.
	ScheduleLater(id TimerID, delay time.Duration, cb func())

	// ScheduleRepeatedly arms a periodic timer under the caller-allocated
	// id. Re-arming is at fixed interval from the previous scheduled
	// fire; missed fires execute at most once and do not catch up.
	ScheduleRepeatedly(id TimerID, period time.Duration, cb func())

	// Cancel reports true if a timer with id existed and was removed
	// before its next fire.
	Cancel(id TimerID) bool

	// Close releases the demultiplexer and every pending timer.
	Close() error
}
