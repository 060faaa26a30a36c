// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package loop implements the goroutine-affine event loop: it owns exactly
// one reactor, a mutex-guarded FIFO task inbox with a self-pipe wake-up
// notifier, and the registry of live event objects.
//
// All mutation of a loop's state happens on the goroutine that called Run.
// Other goroutines interact only through Execute, the timer facade
// (ScheduleLater, ScheduleRepeatedly, Cancel) and Stop.
package loop
