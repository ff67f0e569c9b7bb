package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/xtxerr/powerwatch/config"
	"github.com/xtxerr/powerwatch/internal/errors"
)

// KafkaSinkName identifies the Kafka sink in logs and metrics.
const KafkaSinkName = "kafka"

// KafkaOptions configures the Kafka sink.
type KafkaOptions struct {
	Brokers []string
	Topic   string
}

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes one JSON event per cycle, keyed by meter number so that
// a meter's events stay ordered within a partition.
type Kafka struct {
	topic  string
	writer messageWriter
}

// NewKafka creates the sink. Brokers are contacted lazily on Publish.
func NewKafka(opts KafkaOptions) (*Kafka, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no kafka brokers configured", errors.ErrSinkUnavailable)
	}
	if opts.Topic == "" {
		opts.Topic = config.DefaultKafkaTopic
	}

	return &Kafka{
		topic: opts.Topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(opts.Brokers...),
			Topic:        opts.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		},
	}, nil
}

func (s *Kafka) Name() string { return KafkaSinkName }

// Topic returns the topic events are written to.
func (s *Kafka) Topic() string { return s.topic }

// Publish writes ev and waits for all in-sync replicas.
func (s *Kafka) Publish(ctx context.Context, ev *Event) error {
	msg, err := message(ev)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: kafka write: %w", errors.ErrSinkUnavailable, err)
	}
	return nil
}

func message(ev *Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.MeterNumber),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "trigger", Value: []byte(ev.Trigger)},
		},
	}, nil
}

// Close flushes pending messages and closes connections.
func (s *Kafka) Close() error {
	return s.writer.Close()
}
