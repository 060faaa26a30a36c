// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package control carries runtime configuration and the metrics registry
// the facade publishes per-loop counters through.
package control
