// Package events streams archived items to Kafka for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/flash-digest/internal/archive"
	"github.com/DeafMist/flash-digest/internal/models"
)

// DefaultTopic receives archived items when no topic is configured.
const DefaultTopic = "news_archived"

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes one message per archived item, keyed by item id so a
// given item always lands on the same partition.
type Publisher struct {
	w   MessageWriter
	log *slog.Logger
	now func() time.Time
}

// NewPublisher creates a publisher for brokers and topic.
func NewPublisher(brokers []string, topic string, log *slog.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchTimeout: 100 * time.Millisecond,
	})
	return NewPublisherWithWriter(w, log)
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(w MessageWriter, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{w: w, log: log, now: time.Now}
}

// Name identifies the sink in logs.
func (p *Publisher) Name() string { return "kafka" }

// Publish sends items of one archived batch.
func (p *Publisher) Publish(ctx context.Context, label archive.BatchLabel, items []models.NewsItem) error {
	if len(items) == 0 {
		return nil
	}

	archivedAt := []byte(p.now().UTC().Format(time.RFC3339))
	msgs := make([]kafka.Message, 0, len(items))
	for _, item := range items {
		value, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal item %s: %w", item.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(item.ID),
			Value: value,
			Time:  item.Timestamp(),
			Headers: []kafka.Header{
				{Key: "batch", Value: []byte(label)},
				{Key: "archived_at", Value: archivedAt},
			},
		})
	}

	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages: %w", len(msgs), err)
	}
	p.log.Debug("batch published", slog.String("batch", string(label)), slog.Int("messages", len(msgs)))
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error { return p.w.Close() }
