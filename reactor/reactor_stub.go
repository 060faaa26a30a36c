//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub for platforms without a reactor backend yet.

package reactor

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-net/api"
)

// New reports that no reactor backend exists for this platform.
func New(log zerolog.Logger) (api.Reactor, error) {
	return nil, errors.New("reactor: no backend for this platform")
}
