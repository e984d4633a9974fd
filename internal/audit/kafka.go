package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds kafka shipper configuration
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// WriteTimeout bounds a single produce call (default 10s)
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaShipper produces one message per entry. Messages are keyed by
// resource ID (falling back to the actor) so all records about one
// organization, agent or job land on the same partition in order.
type KafkaShipper struct {
	w       messageWriter
	timeout time.Duration
}

// NewKafkaShipper creates a synchronous producer for cfg.Topic.
func NewKafkaShipper(cfg *KafkaConfig) (*KafkaShipper, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return newKafkaShipper(w, cfg.WriteTimeout), nil
}

func newKafkaShipper(w messageWriter, timeout time.Duration) *KafkaShipper {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaShipper{w: w, timeout: timeout}
}

// Ship produces entry, retrying once on a leader change.
func (ks *KafkaShipper) Ship(ctx context.Context, entry *LogEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	key := entry.ResourceID
	if key == "" {
		key = entry.Actor
	}
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "action", Value: []byte(entry.Action)}},
		Time:    entry.Timestamp,
	}

	var writeErr error
	for attempt := 0; attempt < 2; attempt++ {
		writeCtx, cancel := context.WithTimeout(ctx, ks.timeout)
		writeErr = ks.w.WriteMessages(writeCtx, msg)
		cancel()
		if writeErr == nil {
			return nil
		}
		if !errors.Is(writeErr, kafka.NotLeaderForPartition) && !errors.Is(writeErr, kafka.LeaderNotAvailable) {
			break
		}
	}
	return fmt.Errorf("failed to produce audit entry: %w", writeErr)
}

// Close flushes and closes the writer.
func (ks *KafkaShipper) Close() error {
	return ks.w.Close()
}
