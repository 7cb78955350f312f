package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttKeepAlive      = 5 * time.Second
	// mqttDisconnectQuiesce gives in-flight messages time to complete.
	mqttDisconnectQuiesce = 250 // milliseconds
)

type mqttTransport struct {
	client       mqtt.Client
	qos          byte
	controlTopic string

	mu      sync.Mutex
	handler Handler
}

func newMQTT(cfg Config, u *url.URL) (*mqttTransport, error) {
	t := &mqttTransport{qos: cfg.QoS, controlTopic: cfg.ControlTopic}

	broker := brokerAddr(u)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetKeepAlive(mqttKeepAlive).
		SetConnectTimeout(mqttConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Msg("MQTT connection lost")
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info().Str("broker", broker).Msg("Connected to MQTT broker")
			// Re-establish the control subscription after a reconnect.
			t.resubscribe()
		})
	if cfg.Capacity > 0 {
		opts.SetMessageChannelDepth(uint(cfg.Capacity))
	}

	t.client = mqtt.NewClient(opts)
	token := t.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("connect to %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", broker, err)
	}
	return t, nil
}

// brokerAddr rewrites mqtt schemes to the tcp/ssl forms paho expects.
func brokerAddr(u *url.URL) string {
	switch u.Scheme {
	case "mqtt":
		return "tcp://" + u.Host
	case "mqtts":
		return "ssl://" + u.Host
	default:
		return u.String()
	}
}

func (t *mqttTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	token := t.client.Publish(topic, t.qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *mqttTransport) SubscribeCommands(_ context.Context, handler Handler) error {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()

	if err := t.subscribe(handler); err != nil {
		return err
	}
	log.Info().Str("topic", t.controlTopic).Msg("Subscribed to control topic")
	return nil
}

func (t *mqttTransport) subscribe(handler Handler) error {
	token := t.client.Subscribe(t.controlTopic, t.qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(string(msg.Payload()))
	})
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("subscribe %s: timeout", t.controlTopic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", t.controlTopic, err)
	}
	return nil
}

func (t *mqttTransport) resubscribe() {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()
	if handler == nil {
		return
	}
	if err := t.subscribe(handler); err != nil {
		log.Warn().Err(err).Msg("Failed to restore control subscription")
	}
}

func (t *mqttTransport) Close() {
	t.client.Disconnect(mqttDisconnectQuiesce)
}
