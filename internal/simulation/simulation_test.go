package simulation

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

// collectCycle drains one cycle and returns "topic=value" strings with the
// timestamp stripped, making cycles comparable across runs.
func collectCycle(t *testing.T, s *Simulation) []string {
	t.Helper()
	var out []string
	for msg := range s.NextCycle() {
		_, value, ok := strings.Cut(msg.Payload, ",")
		if !ok {
			t.Fatalf("payload %q is not timestamp,value framed", msg.Payload)
		}
		out = append(out, msg.Topic+"="+value)
	}
	return out
}

func equalCycles(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDeterminism(t *testing.T) {
	params := Parameters{DeviceCount: 3, DataPointsPerDevice: 7, CycleInterval: time.Second, Seed: 42}

	a := New("sim-0")
	b := New("sim-0")
	a.Apply(params)
	b.Apply(params)

	for cycle := 0; cycle < 3; cycle++ {
		ca := collectCycle(t, a)
		cb := collectCycle(t, b)
		if !equalCycles(ca, cb) {
			t.Fatalf("cycle %d diverged between identically seeded simulations", cycle)
		}
		if len(ca) != params.DataPointsPerCycle() {
			t.Fatalf("cycle %d produced %d messages, expected %d", cycle, len(ca), params.DataPointsPerCycle())
		}
	}

	// A different seed must produce a different sequence.
	c := New("sim-0")
	c.Apply(Parameters{DeviceCount: 3, DataPointsPerDevice: 7, CycleInterval: time.Second, Seed: 43})
	a.Apply(params)
	if equalCycles(collectCycle(t, a), collectCycle(t, c)) {
		t.Fatal("different seeds produced identical sequences")
	}

	// So must a different instance id under the same seed.
	d := New("sim-1")
	d.Apply(params)
	a.Apply(params)
	if equalCycles(collectCycle(t, a), collectCycle(t, d)) {
		t.Fatal("different instance ids produced identical sequences")
	}
}

func TestStopTeardownAndIdempotence(t *testing.T) {
	s := New("sim-0")
	if s.Running() {
		t.Fatal("fresh simulation is not stopped")
	}

	s.Apply(Parameters{DeviceCount: 2, DataPointsPerDevice: 3, Seed: 1})
	if !s.Running() {
		t.Fatal("simulation did not start")
	}

	s.Apply(Parameters{})
	if s.Running() {
		t.Fatal("simulation did not stop")
	}
	if msgs := collectCycle(t, s); len(msgs) != 0 {
		t.Fatalf("stopped simulation produced %d messages", len(msgs))
	}

	// Stopping again is a no-op, not a failure.
	s.Apply(Parameters{})
	if s.Running() {
		t.Fatal("second stop restarted the simulation")
	}
}

func TestRunningToRunningTransition(t *testing.T) {
	s := New("sim-0")
	s.Apply(Parameters{DeviceCount: 4, DataPointsPerDevice: 3, Seed: 1})
	if got := len(collectCycle(t, s)); got != 12 {
		t.Fatalf("expected 12 messages, got %d", got)
	}

	next := Parameters{DeviceCount: 2, DataPointsPerDevice: 5, Seed: 9}
	s.Apply(next)
	if !s.Running() {
		t.Fatal("simulation stopped during a running-to-running transition")
	}
	if s.Params() != next {
		t.Fatalf("active parameters %+v, expected %+v", s.Params(), next)
	}
	if got := len(collectCycle(t, s)); got != 10 {
		t.Fatalf("expected 10 messages after reconfiguration, got %d", got)
	}
}

func TestFullRebuild(t *testing.T) {
	params := Parameters{DeviceCount: 2, DataPointsPerDevice: 4, Seed: 7}

	s := New("sim-0")
	s.Apply(params)
	for i := 0; i < 5; i++ {
		collectCycle(t, s)
	}

	// Re-applying resets every generator counter: the next cycle matches a
	// fresh simulation's first cycle exactly.
	s.Apply(params)
	fresh := New("sim-0")
	fresh.Apply(params)
	if !equalCycles(collectCycle(t, s), collectCycle(t, fresh)) {
		t.Fatal("cycle after re-apply differs from a fresh simulation's first cycle")
	}

	// Changing only the data-point count is also a full rebuild.
	changed := Parameters{DeviceCount: 2, DataPointsPerDevice: 6, Seed: 7}
	s.Apply(changed)
	fresh2 := New("sim-0")
	fresh2.Apply(changed)
	if !equalCycles(collectCycle(t, s), collectCycle(t, fresh2)) {
		t.Fatal("cycle after data-point change differs from a fresh simulation's first cycle")
	}
}

func TestZeroDataPoints(t *testing.T) {
	s := New("sim-0")
	s.Apply(Parameters{DeviceCount: 3, Seed: 1})
	if !s.Running() {
		t.Fatal("simulation with devices but no data points should be running")
	}
	if msgs := collectCycle(t, s); len(msgs) != 0 {
		t.Fatalf("expected an empty cycle, got %d messages", len(msgs))
	}
}

func TestEndToEndScenario(t *testing.T) {
	s := New("sim-0")
	s.Apply(Parameters{DeviceCount: 1, DataPointsPerDevice: 3, CycleInterval: time.Second, Seed: 1})

	first := collectCycle(t, s)
	if len(first) != 3 {
		t.Fatalf("expected exactly 3 messages, got %d", len(first))
	}

	wantPrefixes := []string{
		"sim-0/device_0/status_0=",
		"sim-0/device_0/noise_0=",
		"sim-0/device_0/sensor_0=",
	}
	for i, entry := range first {
		if !strings.HasPrefix(entry, wantPrefixes[i]) {
			t.Fatalf("message %d is %q, expected kind order status, noise, sensor", i, entry)
		}
	}

	second := collectCycle(t, s)
	if len(second) != 3 {
		t.Fatalf("expected exactly 3 messages in the second cycle, got %d", len(second))
	}

	// The status value is inside its sustain window and must not change
	// between consecutive cycles.
	if first[0] != second[0] {
		t.Fatalf("status value changed between cycles: %q vs %q", first[0], second[0])
	}

	// The sensor advanced one phase step: still near the sine start but a
	// fresh draw.
	sensorValue := func(entry string) float64 {
		_, raw, _ := strings.Cut(entry, "=")
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			t.Fatalf("sensor value %q is not numeric: %v", raw, err)
		}
		return v
	}
	v1 := sensorValue(first[2])
	v2 := sensorValue(second[2])
	if v1 == v2 {
		t.Fatal("sensor value did not advance between cycles")
	}
	if v1 < 98 || v1 > 102 {
		t.Fatalf("first sensor value %v outside phase-0 neighborhood [98, 102]", v1)
	}
	if v2 < 99.25 || v2 > 103.26 {
		t.Fatalf("second sensor value %v outside phase-1 neighborhood", v2)
	}
}
