package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Routing keys on the events exchange.
const (
	TopicCreditsGranted      = "credits.granted"
	TopicCreditsConsumed     = "credits.consumed"
	TopicSubscriptionChanged = "subscription.changed"
)

var ErrPublisherClosed = errors.New("publisher_closed")

// Envelope wraps every published payload.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	UserID     string          `json:"user_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Publisher emits domain events after the owning transaction commits.
// Delivery is best effort; callers log and continue on failure.
type Publisher interface {
	Publish(ctx context.Context, topic, userID string, data any) error
	Close() error
}

func newEnvelope(topic, userID string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return Envelope{
		ID:         uuid.NewString(),
		Type:       topic,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
		Data:       raw,
	}, nil
}

// AMQPPublisher publishes to a durable topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	log      *zap.Logger

	mu     sync.Mutex
	closed bool
}

func NewAMQPPublisher(url, exchange string, log *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	log.Info("amqp publisher connected", zap.String("exchange", exchange))
	return &AMQPPublisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		log:      log,
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, topic, userID string, data any) error {
	envelope, err := newEnvelope(topic, userID, data)
	if err != nil {
		return err
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}

	err = p.channel.PublishWithContext(ctx, p.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    envelope.ID,
		Timestamp:    envelope.OccurredAt,
		Body:         body,
	})
	if err != nil {
		p.log.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		return err
	}
	p.log.Debug("event published", zap.String("topic", topic), zap.String("event_id", envelope.ID))
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.channel.Close(); err != nil {
		p.log.Warn("close amqp channel", zap.Error(err))
	}
	return p.conn.Close()
}

// NoopPublisher drops events. Used when no broker is configured.
type NoopPublisher struct {
	log *zap.Logger
}

func NewNoopPublisher(log *zap.Logger) *NoopPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &NoopPublisher{log: log}
}

func (p *NoopPublisher) Publish(ctx context.Context, topic, userID string, data any) error {
	p.log.Debug("noop publish", zap.String("topic", topic))
	return nil
}

func (p *NoopPublisher) Close() error { return nil }
