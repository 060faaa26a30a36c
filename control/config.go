// File: control/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime configuration for the facade.

package control

import (
	"runtime"
	"time"
)

// Config holds the parameters of a runtime: how many loops to spin up and
// the defaults applied to accepted connections.
type Config struct {
	Name        string        // base name, loops are suffixed "-0", "-1", ...
	Loops       int           // number of event loops, <=0 means NumCPU
	IdleTimeout time.Duration // idle timeout applied to accepted conns, 0 = none
	NoDelay     bool          // disable Nagle on accepted connections
}

// DefaultConfig returns sensible defaults: one loop per CPU, Nagle
// disabled, no idle supervision.
func DefaultConfig() *Config {
	return &Config{
		Name:    "hioload-net",
		Loops:   runtime.NumCPU(),
		NoDelay: true,
	}
}

// Normalize fills zero values in place and returns the config.
func (c *Config) Normalize() *Config {
	if c.Name == "" {
		c.Name = "hioload-net"
	}
	if c.Loops <= 0 {
		c.Loops = runtime.NumCPU()
	}
	return c
}
