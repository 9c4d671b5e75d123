package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/config"
	"github.com/segmentio/kafka-go"
)

// Message is a fetched record awaiting commit.
type Message = kafka.Message

// Reader fetches messages one at a time for pull-based consumers. Offsets
// are committed explicitly, after the caller has processed a batch.
type Reader struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewReader creates a consumer-group Reader for topic.
func NewReader(cfg config.KafkaConfig, topic string) *Reader {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return &Reader{
		reader: r,
		logger: slog.Default().With("component", "kafka-reader", "topic", topic),
	}
}

// Fetch blocks until the next message arrives or ctx ends.
func (r *Reader) Fetch(ctx context.Context) (Message, error) {
	msg, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("fetching kafka message: %w", err)
	}
	r.logger.Debug("message received",
		"partition", msg.Partition,
		"offset", msg.Offset,
		"key", string(msg.Key),
		"value_size", len(msg.Value),
	)
	return msg, nil
}

// Commit marks msgs as consumed for the group.
func (r *Reader) Commit(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := r.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("committing %d kafka messages: %w", len(msgs), err)
	}
	return nil
}

// Close closes the underlying Kafka reader.
func (r *Reader) Close() error {
	return r.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
