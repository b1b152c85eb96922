package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"ms-reservations/internal/logger"

	"github.com/rabbitmq/amqp091-go"
)

// Publisher sends notifications to a durable topic exchange. The routing
// key is the event name, so consumers can bind to e.g. "order.*".
type Publisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *logger.Logger
}

func NewPublisher(url, exchange string, log *logger.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	log.Info("RABBITMQ", fmt.Sprintf("Exchange %s ready", exchange))
	return &Publisher{conn: conn, exchange: exchange, logger: log}, nil
}

// Publish uses topic as the routing key and stores key as the message id.
func (p *Publisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, p.exchange, topic, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    key,
		Timestamp:    time.Now().UTC(),
		Body:         value,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", topic, err)
	}
	p.logger.Debug("RABBITMQ", fmt.Sprintf("Published %s key=%s", topic, key))
	return nil
}

func (p *Publisher) Close() error {
	return p.conn.Close()
}
