package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/sellhub/payment-service/internal/domain/event"
)

const defaultExchange = "payment.events"

// RabbitMQPublisher publishes payment lifecycle events to a durable topic
// exchange. The event name doubles as the routing key, so consumers can bind
// to "payment.succeeded" alone or to "payment.*".
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewRabbitMQPublisher connects to RabbitMQ and declares the events exchange.
func NewRabbitMQPublisher(amqpURL, exchange string, logger *zap.Logger) (*RabbitMQPublisher, error) {
	if exchange == "" {
		exchange = defaultExchange
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &RabbitMQPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// Publish sends one event as a persistent message.
func (p *RabbitMQPublisher) Publish(ctx context.Context, evt event.PaymentEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		string(evt.Name), // routing key
		false,            // mandatory
		false,            // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		p.logger.Error("Failed to publish payment event",
			zap.String("event", string(evt.Name)),
			zap.Int64("payment_id", evt.PaymentID),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Published payment event",
		zap.String("event", string(evt.Name)),
		zap.Int64("payment_id", evt.PaymentID))
	return nil
}

// Close closes the channel and connection.
func (p *RabbitMQPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
