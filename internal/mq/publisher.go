package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/avolkov/libresync/internal/libre"
)

// ReadingEvent is published for every reading a sync pass actually inserted.
type ReadingEvent struct {
	EventID   string  `json:"event_id"`
	Timestamp string  `json:"timestamp"`
	Value     float64 `json:"value"`
	Trend     string  `json:"trend"`
	IsHigh    bool    `json:"is_high"`
	IsLow     bool    `json:"is_low"`
	SyncID    int64   `json:"sync_id"`
}

// Publisher emits reading events to a durable topic exchange.
type Publisher struct {
	channel    *amqp.Channel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewPublisher declares the exchange and returns a publisher bound to it.
func NewPublisher(conn *Connection, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

// PublishReadings emits one event per reading. A publish failure aborts the
// remainder of the batch; callers treat it as non-fatal.
func (p *Publisher) PublishReadings(ctx context.Context, readings []libre.Reading, syncID int64) error {
	for _, r := range readings {
		event := ReadingEvent{
			EventID:   uuid.NewString(),
			Timestamp: r.Timestamp.Format(time.RFC3339),
			Value:     r.Value,
			Trend:     string(r.Trend),
			IsHigh:    r.IsHigh,
			IsLow:     r.IsLow,
			SyncID:    syncID,
		}
		body, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal reading event: %w", err)
		}
		err = p.channel.PublishWithContext(
			ctx,
			p.exchange,
			p.routingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to publish reading event: %w", err)
		}
		p.logger.Debug("published reading event",
			zap.String("event_id", event.EventID),
			zap.String("timestamp", event.Timestamp),
		)
	}
	return nil
}

// Close closes the publisher channel.
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
