// Package simulation emulates a fleet of IoT devices producing numeric
// telemetry data points. Given the same instance id and seed, the produced
// value sequences are bit-for-bit reproducible across runs and processes.
package simulation

import (
	"math"
	"math/rand"
	"strconv"
)

// Kind identifies the shape of the numeric sequence a generator produces.
type Kind uint8

const (
	// KindStatus mimics a PLC status register: mostly constant with an
	// occasional change such as an alarm condition or a reconfiguration.
	KindStatus Kind = iota
	// KindNoise mimics rapidly changing process registers.
	KindNoise
	// KindSensor mimics an analogue sensor such as a temperature resistor:
	// a sine wave around a base value with jitter on top.
	KindSensor
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindNoise:
		return "noise"
	case KindSensor:
		return "sensor"
	default:
		return "unknown"
	}
}

const (
	// avgTemperature is the offset of the sensor sine curve.
	avgTemperature = 100.0
	// deltaTemperature bounds the sensor curve to avgTemperature +/- delta.
	deltaTemperature = 20.0
	// jitter is added uniformly in [-jitter, +jitter) on top of the curve.
	jitter = 2.0
	// spread is the number of data points after which the sine repeats.
	spread = 100
	// sustain is how many calls a status value is held before redrawing.
	sustain = 100
)

// Generator produces the next value of one data point per call. Each
// generator owns a private seeded random stream and per-kind counters, so
// it must not be shared across devices or goroutines.
type Generator struct {
	kind Kind
	name string
	rng  *rand.Rand

	step  int     // calls since the last status redraw
	held  float64 // current status value
	phase int     // position on the sensor sine curve
}

func newGenerator(kind Kind, index int, seed int64) Generator {
	g := Generator{
		kind: kind,
		name: kind.String() + "_" + strconv.Itoa(index),
		rng:  rand.New(rand.NewSource(seed)),
	}
	if kind == KindStatus {
		g.held = float64(g.rng.Intn(1 << 16))
	}
	return g
}

// Generate returns the data point name and its next value. It never fails;
// it advances the generator's internal state exactly once per call.
func (g *Generator) Generate() (string, float64) {
	var value float64
	switch g.kind {
	case KindNoise:
		value = float64(g.rng.Intn(1 << 16))
	case KindSensor:
		x := 2 * math.Pi * float64(g.phase) / spread
		plain := math.Sin(x)*deltaTemperature + avgTemperature
		value = math.Trunc((jitter*2*g.rng.Float64()-jitter+plain)*100) / 100
		if g.phase == spread {
			g.phase = 0
		} else {
			g.phase++
		}
	case KindStatus:
		if g.step == sustain {
			g.step = 0
			g.held = float64(g.rng.Intn(1 << 16))
		} else {
			g.step++
		}
		value = g.held
	}
	return g.name, value
}

// buildGenerators creates the data-point generators of one device in
// partition order: the first third status, the next third noise, and the
// remainder sensor. Each generator draws its seed from rng in that order.
func buildGenerators(rng *rand.Rand, dataPoints int) []Generator {
	generators := make([]Generator, 0, dataPoints)

	third := dataPoints / 3
	for i := 0; i < third; i++ {
		generators = append(generators, newGenerator(KindStatus, i, rng.Int63()))
	}
	for i := 0; i < third; i++ {
		generators = append(generators, newGenerator(KindNoise, i, rng.Int63()))
	}
	for i := 0; i < dataPoints-2*third; i++ {
		generators = append(generators, newGenerator(KindSensor, i, rng.Int63()))
	}
	return generators
}
