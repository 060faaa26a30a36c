//go:build linux
// +build linux

// File: loop/notifier.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Self-pipe wake-up notifier. Notify writes a single byte from any
// goroutine; the loop's read handler drains one byte per event. Concurrent
// notifications collapse: a full pipe already means a pending wake, so the
// dropped write is harmless.

package loop

import (
	"fmt"

	uberatomic "go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
)

type pipeNotifier struct {
	api.BaseObject
	readFd  int
	writeFd int
	wakeups uberatomic.Int64
}

func newNotifier() (*pipeNotifier, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("notifier pipe: %w", err)
	}
	return &pipeNotifier{
		BaseObject: api.NewBaseObject(),
		readFd:     fds[0],
		writeFd:    fds[1],
	}, nil
}

func (p *pipeNotifier) Fd() int { return p.readFd }

func (p *pipeNotifier) HandleRead() bool {
	var b [1]byte
	n, err := unix.Read(p.readFd, b[:])
	if n == 1 {
		return true
	}
	return err == unix.EAGAIN
}

func (p *pipeNotifier) HandleWrite() bool {
	panic("loop: notifier received write event")
}

func (p *pipeNotifier) HandleError() {
	panic("loop: notifier received error event")
}

// Notify wakes the owning loop. Safe from any goroutine.
func (p *pipeNotifier) Notify() bool {
	b := [1]byte{0}
	n, err := unix.Write(p.writeFd, b[:])
	if n == 1 {
		p.wakeups.Inc()
		return true
	}
	// EAGAIN: the pipe is full, a wake is already pending.
	return err == unix.EAGAIN
}

func (p *pipeNotifier) Close() {
	_ = unix.Close(p.readFd)
	_ = unix.Close(p.writeFd)
}
