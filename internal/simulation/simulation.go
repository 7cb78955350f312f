package simulation

import (
	"encoding/binary"
	"hash/fnv"
	"iter"
	"math/rand"
	"time"
)

// Parameters is one full fleet configuration. It is immutable once
// applied; a new configuration always replaces the old one wholesale.
// DeviceCount == 0 is the canonical stopped state.
type Parameters struct {
	DeviceCount         int
	DataPointsPerDevice int
	CycleInterval       time.Duration
	Seed                uint64
}

// Stopped reports whether the parameters describe a stopped fleet.
func (p Parameters) Stopped() bool {
	return p.DeviceCount == 0
}

// DataPointsPerCycle is the number of messages one cycle produces.
func (p Parameters) DataPointsPerCycle() int {
	return p.DeviceCount * p.DataPointsPerDevice
}

// Simulation owns the live device pool and the currently applied
// parameters. It is not safe for concurrent use: the control loop is the
// only mutator and the only consumer of per-cycle sequences.
type Simulation struct {
	instanceID string
	params     Parameters
	devices    []*Device
}

// New returns a stopped simulation for the given instance id. The instance
// id feeds the seeding scheme, so two instances with different ids produce
// different data even under the same seed.
func New(instanceID string) *Simulation {
	return &Simulation{instanceID: instanceID}
}

// Apply replaces the active configuration. A zero device count tears the
// pool down; anything else discards the existing pool and rebuilds every
// device from scratch, resetting all generator state. Reconfiguration is
// never incremental: changing only the data-point count still recreates
// the whole fleet.
func (s *Simulation) Apply(p Parameters) {
	s.params = p
	if p.DeviceCount == 0 {
		s.devices = nil
		return
	}

	master := rand.New(rand.NewSource(masterSeed(s.instanceID, p.Seed)))
	devices := make([]*Device, 0, p.DeviceCount)
	for i := 0; i < p.DeviceCount; i++ {
		devices = append(devices, newDevice(s.instanceID, i, p.DataPointsPerDevice, master.Int63()))
	}
	s.devices = devices
}

// masterSeed combines the instance id and the configured seed through a
// fixed hash, so every instance of the simulator derives a unique but
// reproducible master stream.
func masterSeed(instanceID string, seed uint64) int64 {
	h := fnv.New64a()
	h.Write([]byte(instanceID))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seed)
	h.Write(buf[:])
	return int64(h.Sum64())
}

// Running reports whether a device pool is active.
func (s *Simulation) Running() bool {
	return len(s.devices) > 0
}

// Params returns the currently applied parameters.
func (s *Simulation) Params() Parameters {
	return s.params
}

// NextCycle returns the lazy sequence of messages for one cycle: every
// device's data points in pool order. The sequence is finite and meant to
// be consumed exactly once; calling NextCycle again produces fresh values,
// not a replay.
func (s *Simulation) NextCycle() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for _, device := range s.devices {
			for _, msg := range device.ProduceCycle() {
				if !yield(msg) {
					return
				}
			}
		}
	}
}
