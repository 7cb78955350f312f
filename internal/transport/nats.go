package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

type natsTransport struct {
	conn           *nats.Conn
	sub            *nats.Subscription
	controlSubject string
}

func newNATS(cfg Config) (*natsTransport, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.Timeout(mqttConnectTimeout),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}
	log.Info().Str("server", conn.ConnectedUrl()).Msg("Connected to NATS server")

	return &natsTransport{
		conn:           conn,
		controlSubject: subjectFor(cfg.ControlTopic),
	}, nil
}

// subjectFor maps a path-style logical topic to a NATS subject.
func subjectFor(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

func (t *natsTransport) Publish(_ context.Context, topic string, payload []byte) error {
	if err := t.conn.Publish(subjectFor(topic), payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

func (t *natsTransport) SubscribeCommands(_ context.Context, handler Handler) error {
	sub, err := t.conn.Subscribe(t.controlSubject, func(msg *nats.Msg) {
		handler(string(msg.Data))
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", t.controlSubject, err)
	}
	t.sub = sub
	log.Info().Str("subject", t.controlSubject).Msg("Subscribed to control subject")
	return nil
}

func (t *natsTransport) Close() {
	if t.sub != nil {
		if err := t.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("Failed to unsubscribe control subject")
		}
	}
	t.conn.Close()
}
