package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DigestEvent is the JSON body published to the exchange.
type DigestEvent struct {
	Event     string    `json:"event"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Text      string    `json:"text"`
}

// PublishingChannel is the part of *amqp.Channel the destination needs.
type PublishingChannel interface {
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// AMQP publishes digests to a topic exchange.
type AMQP struct {
	conn       *amqp.Connection
	ch         PublishingChannel
	exchange   string
	routingKey string
	now        func() time.Time
}

// DialAMQP connects, opens a channel and declares a durable topic exchange.
func DialAMQP(uri, exchange, routingKey string) (*AMQP, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connection failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel creation failed: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("exchange declare failed: %w", err)
	}

	a := NewAMQP(ch, exchange, routingKey)
	a.conn = conn
	return a, nil
}

// NewAMQP wraps an already open channel.
func NewAMQP(ch PublishingChannel, exchange, routingKey string) *AMQP {
	return &AMQP{
		ch:         ch,
		exchange:   exchange,
		routingKey: routingKey,
		now:        time.Now,
	}
}

// Name implements Destination.
func (a *AMQP) Name() string { return "amqp:" + a.exchange }

// Close releases the channel and the connection.
func (a *AMQP) Close() {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
}

// Send publishes a persistent digest.ready event.
func (a *AMQP) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := a.now().UTC()
	event := DigestEvent{
		Event:     "digest.ready",
		ID:        uuid.NewString(),
		Timestamp: now,
		Start:     msg.Start.UTC(),
		End:       msg.End.UTC(),
		Text:      msg.Text,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return a.ch.PublishWithContext(
		ctx,
		a.exchange,
		a.routingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    event.ID,
			Timestamp:    now,
			Body:         body,
		},
	)
}
