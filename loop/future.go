// File: loop/future.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Single-assignment future returned by Execute and Cancel. The loop side
// completes it exactly once; any number of goroutines may wait.

package loop

// Future carries the result of a task posted to an event loop.
type Future struct {
	done chan struct{}
	val  any
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolvedFuture is used for tasks executed synchronously on the loop
// goroutine.
func resolvedFuture(v any) *Future {
	f := newFuture()
	f.complete(v)
	return f
}

func (f *Future) complete(v any) {
	f.val = v
	close(f.done)
}

// Get blocks until the task has run and returns its result.
func (f *Future) Get() any {
	<-f.done
	return f.val
}

// Bool is a convenience for boolean-valued futures such as Cancel's.
func (f *Future) Bool() bool {
	v, _ := f.Get().(bool)
	return v
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }
