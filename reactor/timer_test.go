// File: reactor/timer_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// White-box tests for the deadline-ordered timer engine. Deadlines are
// driven by passing explicit "now" values to runExpired, so nothing here
// sleeps.

package reactor

import (
	"testing"
	"time"
)

func TestOneShotFiresOnceAndDropsRecord(t *testing.T) {
	e := newTimerEngine()
	fired := 0
	e.schedule(1, 5*time.Millisecond, func() { fired++ }, false)

	e.runExpired(time.Now().Add(20 * time.Millisecond))
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if _, live := e.byID[1]; live {
		t.Error("one-shot record survived its fire")
	}

	e.runExpired(time.Now().Add(time.Second))
	if fired != 1 {
		t.Errorf("one-shot fired again, count = %d", fired)
	}
}

func TestMinimumPeriodClamp(t *testing.T) {
	e := newTimerEngine()
	e.schedule(7, 0, func() {}, true)
	if got := e.byID[7].period; got != minTimerPeriod {
		t.Errorf("period = %v, want clamp to %v", got, minTimerPeriod)
	}
}

func TestCancelPreventsFire(t *testing.T) {
	e := newTimerEngine()
	fired := false
	e.schedule(3, 5*time.Millisecond, func() { fired = true }, false)

	if !e.cancel(3) {
		t.Fatal("cancel of armed timer returned false")
	}
	if e.cancel(3) {
		t.Error("second cancel returned true")
	}
	e.runExpired(time.Now().Add(time.Second))
	if fired {
		t.Error("cancelled timer fired")
	}
}

func TestRepeatRearmsAtFixedInterval(t *testing.T) {
	e := newTimerEngine()
	fired := 0
	e.schedule(9, 10*time.Millisecond, func() { fired++ }, true)
	first := e.byID[9].when

	e.runExpired(first)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if got := e.byID[9].when; !got.Equal(first.Add(10 * time.Millisecond)) {
		t.Errorf("next deadline = %v, want previous + period", got)
	}
}

func TestRepeatMissedFiresDoNotCatchUp(t *testing.T) {
	e := newTimerEngine()
	fired := 0
	e.schedule(11, 10*time.Millisecond, func() { fired++ }, true)

	// The loop was busy for many periods; a single poll fires the timer
	// once and pushes the phase past "now".
	late := e.byID[11].when.Add(100 * time.Millisecond)
	e.runExpired(late)
	if fired != 1 {
		t.Fatalf("fired = %d, want exactly 1 despite missed periods", fired)
	}
	if got := e.byID[11].when; !got.After(late) {
		t.Errorf("next deadline %v not pushed past %v", got, late)
	}
}

func TestCancelFromOwnCallback(t *testing.T) {
	e := newTimerEngine()
	fired := 0
	e.schedule(5, 10*time.Millisecond, func() {
		fired++
		if !e.cancel(5) {
			t.Error("cancel from inside callback returned false")
		}
	}, true)

	now := e.byID[5].when
	e.runExpired(now)
	e.runExpired(now.Add(time.Second))
	if fired != 1 {
		t.Errorf("fired = %d after self-cancel, want 1", fired)
	}
	if len(e.byID) != 0 || e.queue.Len() != 0 {
		t.Error("self-cancelled timer left state behind")
	}
}

func TestScheduleSameIDReplaces(t *testing.T) {
	e := newTimerEngine()
	var first, second int
	e.schedule(2, 5*time.Millisecond, func() { first++ }, false)
	e.schedule(2, 5*time.Millisecond, func() { second++ }, false)

	if e.queue.Len() != 1 {
		t.Fatalf("queue holds %d timers, want 1", e.queue.Len())
	}
	e.runExpired(time.Now().Add(time.Second))
	if first != 0 || second != 1 {
		t.Errorf("first = %d second = %d, want replacement to win", first, second)
	}
}

func TestNextTimeoutBounds(t *testing.T) {
	e := newTimerEngine()
	now := time.Now()

	if got := e.nextTimeout(now); got != wakeInterval {
		t.Errorf("idle timeout = %v, want %v", got, wakeInterval)
	}

	e.schedule(1, 50*time.Millisecond, func() {}, false)
	if got := e.nextTimeout(now); got > wakeInterval {
		t.Errorf("timeout %v exceeds the wake interval", got)
	}

	e.schedule(2, 5*time.Millisecond, func() {}, false)
	if got := e.nextTimeout(now); got > 6*time.Millisecond {
		t.Errorf("timeout %v ignores the nearest deadline", got)
	}

	if got := e.nextTimeout(now.Add(time.Second)); got != 0 {
		t.Errorf("timeout with overdue timer = %v, want 0", got)
	}
}
