package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Journal appends room events to a Kafka topic for auditing and offline
// analysis. It is strictly best-effort: the coordinator logs append failures
// and moves on, because realtime delivery rides the redis broadcaster.
type Journal struct {
	writer *kafka.Writer
}

func NewJournal(brokers []string, topic string) *Journal {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Murmur2Balancer{},
	}
	return &Journal{writer: writer}
}

// Append writes one event. Messages are keyed by room code so each room's
// journal stays in publish order within its partition.
func (j *Journal) Append(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.RoomCode),
		Value: value,
	}
	if err := j.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	if err := j.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}
