package simulation

import (
	"math/rand"
	"strconv"
	"time"
)

// Message is one publishable telemetry data point.
type Message struct {
	Topic   string
	Payload string
}

// Device owns the generators of one emulated device. The topic of every
// data point is a pure function of the instance id, the device index and
// the generator name, so a fleet with the same identity always publishes
// to the same topics.
type Device struct {
	topic      string
	generators []Generator
}

func newDevice(instanceID string, index, dataPoints int, seed int64) *Device {
	rng := rand.New(rand.NewSource(seed))
	return &Device{
		topic:      instanceID + "/device_" + strconv.Itoa(index),
		generators: buildGenerators(rng, dataPoints),
	}
}

// ProduceCycle advances every generator once and returns the resulting
// messages in generator-construction order (status block, noise block,
// sensor block). The publish timestamp is captured once per device.
func (d *Device) ProduceCycle() []Message {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	messages := make([]Message, 0, len(d.generators))
	for i := range d.generators {
		name, value := d.generators[i].Generate()
		messages = append(messages, Message{
			Topic:   d.topic + "/" + name,
			Payload: now + "," + formatValue(value),
		})
	}
	return messages
}

// formatValue renders a value in its shortest round-trip decimal form, so
// whole values print without a fraction and truncated sensor values keep
// at most two decimals.
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
