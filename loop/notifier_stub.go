//go:build !linux
// +build !linux

// File: loop/notifier_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package loop

import (
	"errors"

	uberatomic "go.uber.org/atomic"

	"github.com/momentics/hioload-net/api"
)

type pipeNotifier struct {
	api.BaseObject
	wakeups uberatomic.Int64
}

func newNotifier() (*pipeNotifier, error) {
	return nil, errors.New("loop: no notifier backend for this platform")
}

func (p *pipeNotifier) Fd() int           { return -1 }
func (p *pipeNotifier) HandleRead() bool  { return false }
func (p *pipeNotifier) HandleWrite() bool { return false }
func (p *pipeNotifier) HandleError()      {}
func (p *pipeNotifier) Notify() bool      { return false }
func (p *pipeNotifier) Close()            {}
