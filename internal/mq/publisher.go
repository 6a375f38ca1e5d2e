package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/docflow/internal/telemetry"
)

// Default publish retry settings.
const (
	defaultPublishRetries = 3
	defaultRetryDelay     = 2 * time.Second
)

// Sender — то, что нужно потребителям для отправки сообщений.
// Реализуется *Publisher; в тестах подменяется.
type Sender interface {
	Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg any) error
}

// Publisher публикует сообщения в RabbitMQ.
//
// Ошибка публикации (в том числе «нет соединения») приводит к попытке
// переподключения и повтору, не более Retries раз с фиксированной паузой.
// После этого Publish возвращает ErrPublishFailed: outbox нет, сообщение
// потеряно, если вызывающий сам его не сохранит и не отправит снова.
type Publisher struct {
	conn       *Connection
	logger     *slog.Logger
	retries    int
	retryDelay time.Duration
}

// PublisherConfig — настройки повторов публикации.
type PublisherConfig struct {
	Retries    int           // default: 3
	RetryDelay time.Duration // default: 2s
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultPublishRetries
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	return &Publisher{
		conn:       conn,
		logger:     logger,
		retries:    retries,
		retryDelay: retryDelay,
	}
}

// Publish сериализует msg в JSON и публикует его с persistent delivery mode.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal message: %v", ErrSerialization, err)
	}

	props := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
		Timestamp:    time.Now(),
		Body:         body,
	}
	if id := messageID(msg); id != "" {
		props.MessageId = id
	}

	var lastErr error
	for attempt := 1; attempt <= p.retries; attempt++ {
		lastErr = p.publishOnce(ctx, exchange, routingKey, props)
		if lastErr == nil {
			telemetry.PublishAttempts.WithLabelValues(string(routingKey), "ok").Inc()
			p.logger.Debug("published message",
				"exchange", exchange,
				"routing_key", routingKey,
				"message_id", props.MessageId,
			)
			return nil
		}

		if ctx.Err() != nil {
			break
		}

		p.logger.Warn("publish failed",
			"exchange", exchange,
			"routing_key", routingKey,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt == p.retries {
			break
		}
		telemetry.PublishAttempts.WithLabelValues(string(routingKey), "retry").Inc()

		select {
		case <-ctx.Done():
		case <-time.After(p.retryDelay):
		}
	}

	telemetry.PublishAttempts.WithLabelValues(string(routingKey), "failed").Inc()
	p.logger.Error("publish failed, giving up",
		"exchange", exchange,
		"routing_key", routingKey,
		"attempts", p.retries,
		"error", lastErr,
	)

	return fmt.Errorf("%w: %s/%s: %v", ErrPublishFailed, exchange, routingKey, lastErr)
}

// SendToQueue публикует сообщение прямо в очередь через default exchange.
func (p *Publisher) SendToQueue(ctx context.Context, queue Queue, msg any) error {
	return p.Publish(ctx, ExchangeDefault, RoutingKey(queue), msg)
}

// publishOnce — одна попытка: при необходимости переподключается и публикует.
func (p *Publisher) publishOnce(ctx context.Context, exchange Exchange, routingKey RoutingKey, props amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !p.conn.IsConnected() {
		if err := p.conn.TryConnect(); err != nil {
			return fmt.Errorf("reconnect: %w", err)
		}
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,              // mandatory
			false,              // immediate
			props,
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}
		return nil
	})
}

// messageID достаёт messageId из известных конвертов.
func messageID(msg any) string {
	switch m := msg.(type) {
	case *TaskMessage:
		return m.MessageID
	case *StatusMessage:
		return m.MessageID
	case *NotificationMessage:
		return m.MessageID
	case *OCRRequest:
		return m.RequestID
	default:
		return ""
	}
}
