package simulation

import (
	"math/rand"
	"strconv"
	"strings"
	"testing"
)

func TestPartitionLaw(t *testing.T) {
	cases := []struct {
		dataPoints int
		status     int
		noise      int
		sensor     int
	}{
		{0, 0, 0, 0},
		{1, 0, 0, 1},
		{2, 0, 0, 2},
		{3, 1, 1, 1},
		{4, 1, 1, 2},
		{5, 1, 1, 3},
		{6, 2, 2, 2},
		{7, 2, 2, 3},
		{100, 33, 33, 34},
	}

	for _, tc := range cases {
		rng := rand.New(rand.NewSource(1))
		generators := buildGenerators(rng, tc.dataPoints)
		if len(generators) != tc.dataPoints {
			t.Fatalf("dataPoints=%d: expected %d generators, got %d", tc.dataPoints, tc.dataPoints, len(generators))
		}

		var status, noise, sensor int
		for _, g := range generators {
			switch g.kind {
			case KindStatus:
				status++
			case KindNoise:
				noise++
			case KindSensor:
				sensor++
			}
		}
		if status != tc.status || noise != tc.noise || sensor != tc.sensor {
			t.Fatalf("dataPoints=%d: expected partition %d/%d/%d, got %d/%d/%d",
				tc.dataPoints, tc.status, tc.noise, tc.sensor, status, noise, sensor)
		}

		// Kinds must appear in status, noise, sensor block order with
		// per-kind indices counting up from zero.
		for i, g := range generators {
			var want string
			switch {
			case i < tc.status:
				want = "status_" + strconv.Itoa(i)
			case i < tc.status+tc.noise:
				want = "noise_" + strconv.Itoa(i-tc.status)
			default:
				want = "sensor_" + strconv.Itoa(i-tc.status-tc.noise)
			}
			if g.name != want {
				t.Fatalf("dataPoints=%d: generator %d named %q, expected %q", tc.dataPoints, i, g.name, want)
			}
		}
	}
}

func TestStatusSustain(t *testing.T) {
	gen := newGenerator(KindStatus, 0, 1)

	_, first := gen.Generate()
	for i := 0; i < sustain-1; i++ {
		if _, v := gen.Generate(); v != first {
			t.Fatalf("status value changed after %d calls, expected %d equal calls", i+2, sustain)
		}
	}

	// With a fixed seed the redraw is deterministic and differs from the
	// held value.
	if _, next := gen.Generate(); next == first {
		t.Fatalf("status value did not change on call %d", sustain+1)
	}
}

func TestStatusRange(t *testing.T) {
	gen := newGenerator(KindStatus, 0, 7)
	for i := 0; i < 300; i++ {
		if _, v := gen.Generate(); v < 0 || v > 65535 {
			t.Fatalf("status value %v outside 16-bit range", v)
		}
	}
}

func TestNoiseRange(t *testing.T) {
	gen := newGenerator(KindNoise, 0, 7)
	for i := 0; i < 300; i++ {
		if _, v := gen.Generate(); v < 0 || v > 65535 {
			t.Fatalf("noise value %v outside 16-bit range", v)
		}
	}
}

func TestSensorBounds(t *testing.T) {
	gen := newGenerator(KindSensor, 0, 42)

	values := make([]float64, 0, 500)
	for i := 0; i < 500; i++ {
		_, v := gen.Generate()
		if v < avgTemperature-deltaTemperature-jitter || v > avgTemperature+deltaTemperature+jitter {
			t.Fatalf("sensor value %v at call %d outside [78, 122]", v, i+1)
		}
		values = append(values, v)
	}

	// Calls at phase 0 and at the wrap point sit on the flat part of the
	// sine and must land in the jitter neighborhood of the average.
	for _, call := range []int{1, 101, 102, 203} {
		v := values[call-1]
		if v < avgTemperature-jitter || v > avgTemperature+jitter {
			t.Fatalf("sensor value %v at call %d outside [98, 102]", v, call)
		}
	}
}

func TestSensorTruncation(t *testing.T) {
	gen := newGenerator(KindSensor, 0, 3)
	for i := 0; i < 200; i++ {
		_, v := gen.Generate()
		s := formatValue(v)
		if dot := strings.IndexByte(s, '.'); dot >= 0 && len(s)-dot-1 > 2 {
			t.Fatalf("sensor value %q has more than 2 decimal places", s)
		}
	}
}

func TestGeneratorDeterminism(t *testing.T) {
	for _, kind := range []Kind{KindStatus, KindNoise, KindSensor} {
		a := newGenerator(kind, 0, 99)
		b := newGenerator(kind, 0, 99)
		for i := 0; i < 250; i++ {
			_, va := a.Generate()
			_, vb := b.Generate()
			if va != vb {
				t.Fatalf("kind %s: values diverged at call %d (%v vs %v)", kind, i+1, va, vb)
			}
		}
	}

	a := newGenerator(KindNoise, 0, 1)
	b := newGenerator(KindNoise, 0, 2)
	same := true
	for i := 0; i < 10; i++ {
		_, va := a.Generate()
		_, vb := b.Generate()
		if va != vb {
			same = false
			break
		}
	}
	if same {
		t.Fatal("noise generators with different seeds produced identical sequences")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindStatus: "status",
		KindNoise:  "noise",
		KindSensor: "sensor",
		Kind(9):    "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, expected %q", kind, got, want)
		}
	}
}
