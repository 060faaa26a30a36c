// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package api defines the contracts shared by every layer of hioload-net:
// the event-object capability dispatched by the reactor, the reactor itself
// (readiness demultiplexer plus timer engine), and the common error values.
//
// The api package knows nothing about TCP, loops or buffers; higher layers
// depend on it, never the other way around.
package api
