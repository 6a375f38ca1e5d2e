package correlation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/docflow/internal/mq"
	"github.com/shaiso/docflow/internal/telemetry"
)

// ListenerConfig — настройки Listener.
type ListenerConfig struct {
	// NewConnection создаёт отдельное соединение для каждой сессии.
	NewConnection func() *mq.Connection

	// Prefetch — сколько результатов держим неподтверждёнными (default: 10).
	Prefetch int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRestarts  int

	Logger *slog.Logger
}

// Listener слушает node.to.python.ocr.result и раздаёт ответы ожидающим.
//
// Каждая сессия работает на своём соединении. Упавшая сессия
// перезапускается супервизором с растущей паузой; после MaxRestarts
// неудач подряд слушатель останавливается и Healthy() возвращает false.
type Listener struct {
	service    *Service
	newConn    func() *mq.Connection
	prefetch   int
	supervisor *mq.Supervisor
	logger     *slog.Logger

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// NewListener создаёт Listener.
func NewListener(service *Service, cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = telemetry.WithComponent(logger, "ocr-result-listener")

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 10
	}

	return &Listener{
		service:  service,
		newConn:  cfg.NewConnection,
		prefetch: prefetch,
		supervisor: mq.NewSupervisor(mq.SupervisorConfig{
			Name:         "ocr-result-listener",
			InitialDelay: cfg.InitialDelay,
			MaxDelay:     cfg.MaxDelay,
			MaxRestarts:  cfg.MaxRestarts,
			OnRestart:    telemetry.ListenerRestarts.Inc,
		}, logger),
		logger: logger,
	}
}

// Start запускает слушателя в фоне.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancelFunc != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancelFunc = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)

		if err := l.supervisor.Run(ctx, l.session); err != nil {
			l.logger.Error("ocr result listener stopped", "error", err)
			return
		}
		l.logger.Info("ocr result listener stopped")
	}()

	l.logger.Info("ocr result listener started", "queue", mq.QueueOCRResult)
}

// Stop останавливает слушателя и ждёт завершения текущей сессии.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancelFunc, l.done
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Healthy — слушатель работает и не исчерпал перезапуски.
func (l *Listener) Healthy() bool {
	return l.supervisor.Healthy()
}

// Status возвращает состояние супервизора.
func (l *Listener) Status() mq.SupervisorStatus {
	return l.supervisor.Status()
}

// session — одна сессия на собственном соединении.
func (l *Listener) session(ctx context.Context) error {
	conn := l.newConn()
	defer conn.Disconnect()

	consumer := mq.NewConsumer(conn, l.logger, mq.ConsumerConfig{
		Queue:     mq.QueueOCRResult,
		Handler:   l.Handle,
		Prefetch:  l.prefetch,
		OnStarted: l.supervisor.MarkHealthy,
	})
	return consumer.Run(ctx)
}

// Handle разбирает один результат.
//
// Результат без requestId отклоняется без повтора. Результат для
// неизвестного запроса (поздний или чужой) подтверждается и отбрасывается.
func (l *Listener) Handle(ctx context.Context, d *mq.Delivery) mq.Decision {
	var msg mq.OCRResultMessage
	if err := d.Decode(&msg); err != nil {
		l.logger.Error("invalid ocr result", "error", err)
		return mq.Nack(false)
	}

	if msg.RequestID == "" {
		l.logger.Error("ocr result without requestId", "image_id", msg.ImageID)
		return mq.Nack(false)
	}

	if !l.service.Deliver(&msg) {
		telemetry.CorrelationLateResults.Inc()
		l.logger.Debug("ocr result for unknown request", "request_id", msg.RequestID)
		return mq.Ack
	}

	l.logger.Debug("ocr result delivered", "request_id", msg.RequestID, "success", msg.Success)
	return mq.Ack
}
