package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/docflow/internal/mq"
	"github.com/shaiso/docflow/internal/telemetry"
)

// Default configuration values.
const (
	defaultMaxConcurrent = 2
	defaultMaxRetries    = 3
	defaultDrainTimeout  = 30 * time.Second
)

// Job обрабатывает одно сообщение.
//
// nil — задача выполнена (или уже была выполнена раньше).
// Ошибка с ErrValidation — сообщение отклоняется без повтора.
// Любая другая ошибка — задача повторяется, пока retryCount < maxRetries.
type Job func(ctx context.Context, d *mq.Delivery) error

// Route связывает очередь с обработчиком.
type Route struct {
	Queue mq.Queue
	Job   Job
}

// BaseConfig — общая конфигурация обработчиков.
type BaseConfig struct {
	// Sender — публикация повторов в исходную очередь.
	Sender mq.Sender

	// NewConnection создаёт отдельное соединение для каждого consumer'а.
	NewConnection func() *mq.Connection

	// MaxConcurrent — сколько задач выполняется одновременно (default: 2).
	// Prefetch consumer'а равен этому значению.
	MaxConcurrent int

	// MaxRetries — если в сообщении нет maxRetries (default: 3).
	MaxRetries int

	// DrainTimeout — сколько Stop ждёт задач в работе (default: 30s).
	DrainTimeout time.Duration

	// Перезапуск consumer'ов после сбоев.
	RestartInitialDelay time.Duration
	RestartMaxDelay     time.Duration
	MaxRestarts         int

	Logger *slog.Logger
}

// Stats — состояние обработчика.
type Stats struct {
	Name          string                `json:"name"`
	IsProcessing  bool                  `json:"is_processing"`
	Processed     int                   `json:"processed"`
	Failed        int                   `json:"failed"`
	Processing    int                   `json:"processing"`
	MaxConcurrent int                   `json:"max_concurrent"`
	Uptime        float64               `json:"uptime"`
	StartedAt     *time.Time            `json:"started_at,omitempty"`
	Consumers     []mq.SupervisorStatus `json:"consumers,omitempty"`
}

// Base — общая машинерия обработчиков задач.
//
// Для каждой очереди поднимает consumer на собственном соединении
// под супервизором. Сообщения обрабатываются с ручным ack:
//   - Job вернул nil — ack
//   - ошибка валидации — nack без повтора (в DLQ)
//   - ошибка выполнения — при retryCount < maxRetries сообщение с
//     retryCount+1 публикуется в ту же очередь и исходное подтверждается,
//     иначе nack без повтора
type Base struct {
	name          string
	sender        mq.Sender
	newConn       func() *mq.Connection
	maxConcurrent int
	maxRetries    int
	drainTimeout  time.Duration
	restart       mq.SupervisorConfig
	logger        *slog.Logger

	routes []Route

	// Counters
	mu         sync.Mutex
	processed  int
	failed     int
	processing int
	startTime  time.Time
	running    bool

	// idle сигналит, когда processing опускается до нуля (под mu)
	idle *sync.Cond

	// Lifecycle
	consumers   sync.WaitGroup
	supervisors []*mq.Supervisor
	cancelFunc  context.CancelFunc
}

// NewBase создаёт Base для обработчика name с очередями routes.
func NewBase(name string, cfg BaseConfig, routes ...Route) *Base {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Base{
		name:          name,
		sender:        cfg.Sender,
		newConn:       cfg.NewConnection,
		maxConcurrent: maxConcurrent,
		maxRetries:    maxRetries,
		drainTimeout:  drainTimeout,
		restart: mq.SupervisorConfig{
			InitialDelay: cfg.RestartInitialDelay,
			MaxDelay:     cfg.RestartMaxDelay,
			MaxRestarts:  cfg.MaxRestarts,
		},
		logger: telemetry.WithComponent(logger, name),
		routes: routes,
	}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// Name возвращает имя обработчика.
func (b *Base) Name() string {
	return b.name
}

// Start поднимает consumer'ы всех очередей.
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancelFunc = cancel
	b.running = true
	b.startTime = time.Now()
	b.supervisors = b.supervisors[:0]
	b.mu.Unlock()

	for _, route := range b.routes {
		cfg := b.restart
		cfg.Name = b.name + ":" + string(route.Queue)
		sup := mq.NewSupervisor(cfg, b.logger)

		b.mu.Lock()
		b.supervisors = append(b.supervisors, sup)
		b.mu.Unlock()

		b.consumers.Add(1)
		go func(route Route) {
			defer b.consumers.Done()

			err := sup.Run(ctx, func(ctx context.Context) error {
				return b.consume(ctx, route, sup)
			})
			if err != nil {
				b.logger.Error("consumer stopped", "queue", route.Queue, "error", err)
			}
		}(route)
	}

	b.logger.Info("processor started",
		"queues", len(b.routes),
		"max_concurrent", b.maxConcurrent,
		"max_retries", b.maxRetries,
	)
	return nil
}

// consume — одна сессия consumer'а на собственном соединении.
func (b *Base) consume(ctx context.Context, route Route, sup *mq.Supervisor) error {
	conn := b.newConn()
	defer conn.Disconnect()

	consumer := mq.NewConsumer(conn, b.logger, mq.ConsumerConfig{
		Queue:     route.Queue,
		Handler:   b.Handler(route),
		Prefetch:  b.maxConcurrent,
		Workers:   b.maxConcurrent,
		OnStarted: sup.MarkHealthy,
	})
	return consumer.Run(ctx)
}

// Stop прекращает приём сообщений и ждёт задач в работе,
// не дольше DrainTimeout.
func (b *Base) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancelFunc
	b.mu.Unlock()

	b.logger.Info("stopping processor...", "processing", b.inFlight())

	cancel()

	done := make(chan struct{})
	go func() {
		b.consumers.Wait()

		// Ждём по счётчику processing: Handler могут вызывать и в обход consumer'ов
		b.mu.Lock()
		for b.processing > 0 {
			b.idle.Wait()
		}
		b.mu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(b.drainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		b.logger.Info("processor stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	b.logger.Warn("processor stopped with tasks in flight", "processing", b.inFlight())
	return ErrDrainTimeout
}

// Handler превращает Route в обработчик consumer'а.
func (b *Base) Handler(route Route) mq.Handler {
	return func(ctx context.Context, d *mq.Delivery) mq.Decision {
		b.begin()
		defer b.end()

		start := time.Now()

		// Задача доживает до конца даже при остановке
		jobCtx := context.WithoutCancel(ctx)
		err := route.Job(jobCtx, d)

		telemetry.TaskDuration.WithLabelValues(b.name).Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			b.count(true)
			telemetry.TasksTotal.WithLabelValues(b.name, "completed").Inc()
			return mq.Ack

		case errors.Is(err, ErrValidation):
			b.count(false)
			telemetry.TasksTotal.WithLabelValues(b.name, "invalid").Inc()
			b.logger.Error("invalid message", "queue", route.Queue, "error", err)
			return mq.Nack(false)

		default:
			b.count(false)
			return b.retry(jobCtx, route.Queue, d, err)
		}
	}
}

// retryMeta — поля сообщения, нужные для политики повторов.
type retryMeta struct {
	TaskID     string `json:"taskId"`
	RetryCount int    `json:"retryCount"`
	MaxRetries *int   `json:"maxRetries"`
}

// retry публикует сообщение повторно или отправляет в DLQ.
func (b *Base) retry(ctx context.Context, queue mq.Queue, d *mq.Delivery, cause error) mq.Decision {
	var meta retryMeta
	if err := d.Decode(&meta); err != nil {
		b.logger.Error("cannot read retry fields", "queue", queue, "error", err)
		telemetry.TasksTotal.WithLabelValues(b.name, "dead_lettered").Inc()
		return mq.Nack(false)
	}

	maxRetries := b.retryLimit(meta.MaxRetries)

	logger := telemetry.WithTaskID(b.logger, meta.TaskID).With(
		"queue", queue,
		"retry_count", meta.RetryCount,
		"max_retries", maxRetries,
	)

	if meta.RetryCount >= maxRetries {
		telemetry.TasksTotal.WithLabelValues(b.name, "dead_lettered").Inc()
		logger.Error("task failed, retries exhausted", "error", cause)
		return mq.Nack(false)
	}

	body, err := mq.WithRetryCount(d.Body, meta.RetryCount+1)
	if err != nil {
		logger.Error("cannot rebuild message for retry", "error", err)
		telemetry.TasksTotal.WithLabelValues(b.name, "dead_lettered").Inc()
		return mq.Nack(false)
	}

	if err := b.sender.Publish(ctx, mq.ExchangeDefault, mq.RoutingKey(queue), body); err != nil {
		// Лучше DLQ, чем потерять задачу
		logger.Error("failed to requeue task, dead-lettering", "error", err, "cause", cause)
		telemetry.TasksTotal.WithLabelValues(b.name, "dead_lettered").Inc()
		return mq.Nack(false)
	}

	telemetry.TasksTotal.WithLabelValues(b.name, "retried").Inc()
	logger.Warn("task failed, requeued", "next_retry", meta.RetryCount+1, "error", cause)
	return mq.Ack
}

// retryLimit — maxRetries сообщения или значение обработчика.
func (b *Base) retryLimit(fromMessage *int) int {
	if fromMessage != nil && *fromMessage >= 0 {
		return *fromMessage
	}
	return b.maxRetries
}

// finalAttempt — после неудачи этой попытки повтора не будет.
// Пользователя уведомляем об ошибке только тогда.
func (b *Base) finalAttempt(msg *mq.TaskMessage) bool {
	return msg.RetryCount >= b.retryLimit(msg.MaxRetries)
}

// Stats возвращает снимок состояния.
func (b *Base) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{
		Name:          b.name,
		IsProcessing:  b.running,
		Processed:     b.processed,
		Failed:        b.failed,
		Processing:    b.processing,
		MaxConcurrent: b.maxConcurrent,
	}
	if !b.startTime.IsZero() {
		started := b.startTime
		st.StartedAt = &started
		st.Uptime = time.Since(started).Seconds()
	}
	for _, sup := range b.supervisors {
		st.Consumers = append(st.Consumers, sup.Status())
	}
	return st
}

// Healthy — обработчик запущен и ни один consumer не сдался.
func (b *Base) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return false
	}
	for _, sup := range b.supervisors {
		if sup.Status().GaveUp {
			return false
		}
	}
	return true
}

func (b *Base) begin() {
	b.mu.Lock()
	b.processing++
	b.mu.Unlock()
	telemetry.TasksInFlight.WithLabelValues(b.name).Inc()
}

func (b *Base) end() {
	b.mu.Lock()
	b.processing--
	if b.processing == 0 {
		b.idle.Broadcast()
	}
	b.mu.Unlock()
	telemetry.TasksInFlight.WithLabelValues(b.name).Dec()
}

func (b *Base) count(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ok {
		b.processed++
	} else {
		b.failed++
	}
}

func (b *Base) inFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processing
}
