// Package transport connects the simulator to a publish/subscribe broker.
// The backend is selected by the broker URL scheme; every backend carries
// both the telemetry data plane and the textual control plane.
package transport

import (
	"context"
	"fmt"
	"net/url"
)

// Handler consumes one raw control-plane message.
type Handler func(payload string)

// Transport is the wire-level collaborator of the control loop. A failed
// publish is surfaced to the caller; reconnection policy stays inside the
// client libraries.
type Transport interface {
	// Publish sends one payload to a logical topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// SubscribeCommands registers handler for control-plane messages.
	SubscribeCommands(ctx context.Context, handler Handler) error
	// Close releases the connection. No calls may follow.
	Close()
}

// Config carries the broker settings shared by all backends.
type Config struct {
	URL      string
	Username string
	Password string
	ClientID string
	// QoS applies to MQTT publishes and the control subscription.
	QoS byte
	// DataTopic is the Kafka stream topic; the logical topic travels as
	// the message key so per-device ordering survives partitioning.
	DataTopic string
	// ControlTopic carries start/stop commands.
	ControlTopic string
	// Capacity sizes client-internal message channels where the backend
	// supports it.
	Capacity int
}

// New dials the backend selected by the URL scheme: mqtt(s)/tcp/ssl/ws/wss
// for MQTT, kafka for Kafka, nats for NATS.
func New(cfg Config) (Transport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	switch u.Scheme {
	case "mqtt", "mqtts", "tcp", "ssl", "ws", "wss":
		return newMQTT(cfg, u)
	case "kafka":
		return newKafka(cfg, u)
	case "nats":
		return newNATS(cfg)
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}
