// File: loop/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-goroutine loop registry. A goroutine owns at most one running loop;
// Self resolves the caller's loop from inside reactor callbacks, timers and
// posted tasks.

package loop

import (
	"runtime"
	"sync"
)

var loopByGoroutine sync.Map // goroutine id -> *EventLoop

// Self returns the event loop running on the calling goroutine, or nil.
func Self() *EventLoop {
	if l, ok := loopByGoroutine.Load(goroutineID()); ok {
		return l.(*EventLoop)
	}
	return nil
}

// bindCurrentGoroutine claims the calling goroutine for l. It panics when
// the goroutine already runs a loop: that is a programming error, not a
// recoverable condition.
func bindCurrentGoroutine(l *EventLoop) uint64 {
	gid := goroutineID()
	if prev, loaded := loopByGoroutine.LoadOrStore(gid, l); loaded && prev != l {
		panic("loop: goroutine already runs an event loop")
	}
	return gid
}

func unbindGoroutine(gid uint64) {
	loopByGoroutine.Delete(gid)
}

// goroutineID parses the current goroutine's id from its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
