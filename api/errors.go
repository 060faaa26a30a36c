// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error values shared across hioload-net packages.

package api

import "errors"

// Errors a caller can plausibly recover from are returned as values;
// programming contract violations (off-loop mutation, duplicate loops per
// goroutine) panic instead, see the loop package.
var (
	ErrAlreadyRegistered = errors.New("event object already registered")
	ErrNotRegistered     = errors.New("event object not registered")
	ErrReactorClosed     = errors.New("reactor is closed")
	ErrLoopClosed        = errors.New("event loop is closed")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrWrongState        = errors.New("operation in wrong connection state")
)
