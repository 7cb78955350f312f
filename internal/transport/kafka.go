package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

type kafkaTransport struct {
	writer *kafka.Writer
	reader *kafka.Reader

	brokers      []string
	groupID      string
	controlTopic string
}

func newKafka(cfg Config, u *url.URL) (*kafkaTransport, error) {
	brokers := strings.Split(u.Host, ",")
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, fmt.Errorf("kafka url %q names no brokers", cfg.URL)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.DataTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}

	return &kafkaTransport{
		writer:       writer,
		brokers:      brokers,
		groupID:      cfg.ClientID,
		controlTopic: cfg.ControlTopic,
	}, nil
}

// Publish writes to the single stream topic with the logical topic as the
// message key, keeping per-device ordering under the hash balancer.
func (t *kafkaTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	err := t.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: payload,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

func (t *kafkaTransport) SubscribeCommands(ctx context.Context, handler Handler) error {
	t.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  t.brokers,
		GroupID:  t.groupID,
		Topic:    t.controlTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	go func() {
		for {
			msg, err := t.reader.ReadMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return
				}
				log.Warn().Err(err).Str("topic", t.controlTopic).Msg("Control reader stopped")
				return
			}
			handler(string(msg.Value))
		}
	}()

	log.Info().Str("topic", t.controlTopic).Msg("Consuming control topic")
	return nil
}

func (t *kafkaTransport) Close() {
	if t.reader != nil {
		if err := t.reader.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Kafka reader")
		}
	}
	if err := t.writer.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Kafka writer")
	}
}
