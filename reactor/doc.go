// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the poll-mode readiness demultiplexer and timer
// engine behind an event loop. The Linux backend is built on epoll(7); the
// timer engine is a binary heap of deadlines folded into the epoll wait
// timeout, so Poll never blocks past the next deadline nor past the 10 ms
// periodic wake-up.
package reactor
