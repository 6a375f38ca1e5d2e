package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/docflow/internal/telemetry"
)

// Decision — как подтвердить сообщение после обработки.
type Decision int

const (
	// Ack — сообщение обработано.
	Ack Decision = iota

	// NackDiscard — отклонить без возврата в очередь (уйдёт в DLQ, если настроен).
	NackDiscard

	// NackRequeue — вернуть в очередь.
	NackRequeue
)

// Nack возвращает решение отклонить сообщение.
func Nack(requeue bool) Decision {
	if requeue {
		return NackRequeue
	}
	return NackDiscard
}

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case NackRequeue:
		return "requeue"
	default:
		return "nack"
	}
}

// Handler — функция обработки сообщения.
// Паника в обработчике превращается в NackDiscard.
type Handler func(ctx context.Context, d *Delivery) Decision

// Delivery — доставленное сообщение.
type Delivery struct {
	// Queue — очередь, из которой пришло сообщение.
	Queue Queue

	// Body — тело сообщения (валидный JSON).
	Body []byte

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// Decode разбирает тело сообщения в v.
func (d *Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return nil
}

// Consumer потребляет сообщения из очереди RabbitMQ.
//
// Сообщения подтверждаются вручную. Workers горутин обрабатывают
// доставки параллельно; prefetch ограничивает число неподтверждённых.
// Соединение должно принадлежать только этому consumer'у.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    Queue
	handler  Handler
	prefetch int
	workers  int

	// onStarted вызывается после успешной подписки.
	onStarted func()

	mu         sync.Mutex
	cancelFunc context.CancelFunc
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue Queue

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — количество сообщений для предварительной загрузки.
	Prefetch int

	// Workers — сколько сообщений обрабатывается одновременно (default: Prefetch).
	Workers int

	// OnStarted — вызывается после успешной подписки (например, сброс backoff супервизора).
	OnStarted func()
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = prefetch
	}

	return &Consumer{
		conn:      conn,
		logger:    telemetry.WithQueue(logger, string(cfg.Queue)),
		queue:     cfg.Queue,
		handler:   cfg.Handler,
		prefetch:  prefetch,
		workers:   workers,
		onStarted: cfg.OnStarted,
	}
}

// Run подписывается на очередь и обрабатывает сообщения.
//
// Блокирует вызывающего. Возвращает nil после Stop или отмены ctx,
// ErrChannelClosed — если соединение оборвалось. Перезапуск с backoff —
// забота владельца (см. Supervisor).
func (c *Consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()

	if err := c.conn.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect: %w", err)
	}

	ch := c.conn.Channel()
	if ch == nil {
		return ErrNotConnected
	}

	tag := fmt.Sprintf("%s-%s", c.queue, uuid.NewString()[:8])
	deliveries, err := c.setupConsume(ch, tag)
	if err != nil {
		return err
	}
	defer ch.Cancel(tag, false)

	c.logger.Info("consumer started", "prefetch", c.prefetch, "workers", c.workers)
	if c.onStarted != nil {
		c.onStarted()
	}

	err = c.serve(ctx, deliveries)
	if ctx.Err() != nil {
		c.logger.Info("consumer stopped")
		return nil
	}
	return err
}

// setupConsume настраивает prefetch и начинает потребление.
func (c *Consumer) setupConsume(ch *amqp.Channel, tag string) (<-chan amqp.Delivery, error) {
	// Устанавливаем prefetch
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	// Начинаем потребление
	deliveries, err := ch.Consume(
		string(c.queue), // queue
		tag,             // consumer tag
		false,           // auto-ack (мы ack вручную)
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,             // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.queue, err)
	}

	return deliveries, nil
}

// serve раздаёт доставки workers горутинам.
func (c *Consumer) serve(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < c.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case raw, ok := <-deliveries:
					if !ok {
						return ErrChannelClosed
					}
					c.handleDelivery(ctx, raw)
				}
			}
		})
	}

	return g.Wait()
}

// handleDelivery обрабатывает одно сообщение.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	// Некорректное сообщение — сразу в DLQ, не крутим его по кругу
	if !json.Valid(raw.Body) {
		c.logger.Error("invalid message body",
			"message_id", raw.MessageId,
			"body", truncate(raw.Body, 256),
		)
		c.settle(raw, NackDiscard)
		return
	}

	delivery := &Delivery{
		Queue: c.queue,
		Body:  raw.Body,
		Raw:   raw,
	}

	c.logger.Debug("received message",
		"message_id", raw.MessageId,
		"redelivered", raw.Redelivered,
	)

	c.settle(raw, c.invoke(ctx, delivery))
}

// invoke вызывает обработчик, перехватывая панику.
func (c *Consumer) invoke(ctx context.Context, d *Delivery) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panic",
				"message_id", d.Raw.MessageId,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			decision = NackDiscard
		}
	}()

	return c.handler(ctx, d)
}

// settle подтверждает или отклоняет сообщение.
func (c *Consumer) settle(raw amqp.Delivery, decision Decision) {
	var err error
	switch decision {
	case Ack:
		err = raw.Ack(false)
	case NackRequeue:
		err = raw.Nack(false, true)
	default:
		err = raw.Nack(false, false)
	}

	telemetry.MessagesConsumed.WithLabelValues(string(c.queue), decision.String()).Inc()

	if err != nil {
		c.logger.Error("failed to settle message",
			"message_id", raw.MessageId,
			"decision", decision.String(),
			"error", err,
		)
	}
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
