package activitylog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON keyed by outlet so one outlet's history stays ordered.
// The writer is asynchronous; delivery failures are only logged.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion:   logFailedDeliveries,
	}}
}

func logFailedDeliveries(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	log.Warn().Err(err).Int("messages", len(msgs)).Msg("Failed to deliver activity to Kafka")
}

func (k *KafkaSink) Record(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode activity %s: %w", e.ID, err)
	}
	key := e.OutletKey
	if key == "" {
		key = e.Department
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value, Time: e.At}); err != nil {
		return fmt.Errorf("publish activity %s: %w", e.ID, err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
