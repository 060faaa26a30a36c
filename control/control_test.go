// File: control/control_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import "testing"

func TestConfigNormalize(t *testing.T) {
	c := (&Config{}).Normalize()
	if c.Name == "" {
		t.Error("empty name survived Normalize")
	}
	if c.Loops <= 0 {
		t.Error("non-positive loop count survived Normalize")
	}

	c = (&Config{Name: "x", Loops: 3}).Normalize()
	if c.Name != "x" || c.Loops != 3 {
		t.Errorf("Normalize rewrote explicit values: %+v", c)
	}
}

func TestMetricsRegistrySnapshotIsolation(t *testing.T) {
	mr := NewMetricsRegistry()
	mr.Publish("loop-0", map[string]int64{"tasks": 5})

	snap := mr.Snapshot()
	snap["loop-0"]["tasks"] = 99

	if got := mr.Snapshot()["loop-0"]["tasks"]; got != 5 {
		t.Errorf("registry mutated through snapshot: %d", got)
	}
	if mr.Updated().IsZero() {
		t.Error("Updated not stamped by Publish")
	}
}
