package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/docflow/internal/config"
	"github.com/shaiso/docflow/internal/telemetry"
)

// State — состояние соединения для health-проверок.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"

	// StateDisconnected — попытки переподключения исчерпаны. Фатально,
	// оператор должен вмешаться (или перезапустить процесс).
	StateDisconnected State = "disconnected"

	StateClosed State = "closed"
)

// Health — снимок состояния соединения.
type Health struct {
	State     State  `json:"state"`
	Attempts  int    `json:"reconnect_attempts"`
	LastError string `json:"last_error,omitempty"`
}

// Healthy возвращает true, если соединение установлено.
func (h Health) Healthy() bool {
	return h.State == StateConnected
}

// DialFunc открывает AMQP соединение. Подменяется в тестах.
type DialFunc func(url string, cfg amqp.Config) (*amqp.Connection, error)

// Connection — одно физическое соединение с RabbitMQ и один канал на нём.
//
// Особенности:
//   - При подключении выставляет prefetch и объявляет топологию
//   - Переподключается по ReconnectPolicy, после исчерпания попыток — disconnected
//   - Следит за разрывом соединения и переподключается сам
//   - Disconnect идемпотентен
type Connection struct {
	cfg      config.BrokerConfig
	topology Topology
	logger   *slog.Logger
	dial     DialFunc

	// connectMu сериализует попытки подключения (Connect, watcher, publisher).
	connectMu sync.Mutex

	mu       sync.RWMutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	state    State
	attempts int
	lastErr  error
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnection создаёт соединение. Подключение — через Connect.
func NewConnection(cfg config.BrokerConfig, topology Topology, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		cfg:      cfg,
		topology: topology,
		logger:   logger,
		dial:     amqp.DialConfig,
		state:    StateIdle,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect устанавливает соединение, канал, prefetch и топологию.
//
// Если соединение уже есть — no-op. При ошибке ждёт Reconnect.Delay
// (с множителем BackoffFactor) и повторяет, не более Reconnect.MaxAttempts раз.
// После исчерпания попыток возвращает ErrReconnectExhausted.
func (c *Connection) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.IsConnected() {
		return nil
	}
	if c.isClosed() {
		return ErrClosed
	}

	c.setState(StateConnecting)
	policy := newReconnectBackoff(c.cfg.Reconnect)

	for attempt := 0; ; attempt++ {
		conn, err := c.connect()
		if err == nil {
			c.mu.Lock()
			c.state = StateConnected
			c.attempts = 0
			c.lastErr = nil
			c.mu.Unlock()

			telemetry.BrokerConnected.Set(1)
			go c.watch(conn)
			return nil
		}

		c.mu.Lock()
		c.lastErr = err
		c.attempts = attempt
		c.mu.Unlock()

		if attempt >= c.cfg.Reconnect.MaxAttempts {
			c.setState(StateDisconnected)
			telemetry.BrokerConnected.Set(0)
			c.logger.Error("RabbitMQ reconnect attempts exhausted, giving up",
				"attempts", attempt,
				"error", err,
			)
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt, err)
		}

		delay := policy.NextBackOff()
		c.setState(StateReconnecting)
		c.logger.Warn("RabbitMQ connect failed, scheduling reconnect",
			"attempt", attempt+1,
			"max_attempts", c.cfg.Reconnect.MaxAttempts,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		case <-time.After(delay):
		}
	}
}

// TryConnect делает одну попытку подключения без ожиданий и повторов.
// Если переподключение уже идёт (Connect или watcher), сразу возвращает
// ErrNotConnected: публикация не должна ждать весь цикл переподключения.
func (c *Connection) TryConnect() error {
	if !c.connectMu.TryLock() {
		return fmt.Errorf("%w: reconnect in progress", ErrNotConnected)
	}
	defer c.connectMu.Unlock()

	if c.IsConnected() {
		return nil
	}
	if c.isClosed() {
		return ErrClosed
	}

	conn, err := c.connect()
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.state = StateConnected
	c.attempts = 0
	c.lastErr = nil
	c.mu.Unlock()

	telemetry.BrokerConnected.Set(1)
	go c.watch(conn)
	return nil
}

// connect открывает соединение, канал и объявляет топологию.
func (c *Connection) connect() (*amqp.Connection, error) {
	conn, err := c.dial(c.cfg.AMQPURL(), amqp.Config{
		Heartbeat: c.cfg.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if c.cfg.PrefetchCount > 0 {
		if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set qos: %w", err)
		}
	}

	if err := c.topology.Declare(ch); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare topology: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		// Disconnect пришёл, пока мы подключались
		c.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.logger.Info("connected to RabbitMQ", "prefetch", c.cfg.PrefetchCount)
	return conn, nil
}

// watch следит за соединением и переподключается при разрыве.
func (c *Connection) watch(conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-c.ctx.Done():
		return
	case amqpErr, ok := <-notifyClose:
		if c.isClosed() {
			return
		}
		telemetry.BrokerConnected.Set(0)
		c.setState(StateReconnecting)

		if ok && amqpErr != nil {
			c.logger.Warn("connection closed", "error", amqpErr)
		} else {
			c.logger.Warn("connection closed by server")
		}

		if err := c.Connect(c.ctx); err != nil {
			if !errors.Is(err, ErrClosed) {
				c.logger.Error("failed to restore RabbitMQ connection", "error", err)
			}
			return
		}

		telemetry.BrokerReconnects.Inc()
		c.logger.Info("reconnected to RabbitMQ")
	}
}

// Channel возвращает текущий AMQP канал.
func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// WithChannel выполняет функцию с текущим каналом.
func (c *Connection) WithChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch := c.Channel()
	if ch == nil || ch.IsClosed() {
		return ErrNotConnected
	}

	return fn(ch)
}

// IsConnected проверяет, установлено ли соединение.
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil || c.closed {
		return false
	}

	return !c.conn.IsClosed()
}

// State возвращает текущее состояние.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Health возвращает снимок состояния для health-проверок.
func (c *Connection) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()

	h := Health{State: c.state, Attempts: c.attempts}
	if c.state == StateConnected && c.conn != nil && c.conn.IsClosed() {
		h.State = StateReconnecting
	}
	if c.lastErr != nil {
		h.LastError = c.lastErr.Error()
	}
	return h
}

// Disconnect закрывает канал и соединение. Повторный вызов — no-op.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.state = StateClosed
	c.cancel()
	telemetry.BrokerConnected.Set(0)

	var errs []error

	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	c.channel = nil
	c.conn = nil

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.logger.Info("RabbitMQ connection closed")
	return nil
}

// Close — синоним Disconnect (io.Closer).
func (c *Connection) Close() error {
	return c.Disconnect()
}

func (c *Connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.state = s
}

// newReconnectBackoff строит backoff по политике: Delay, Delay*factor, ... не больше MaxDelay.
func newReconnectBackoff(p config.ReconnectPolicy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.RandomizationFactor = 0
	b.Multiplier = p.BackoffFactor
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < p.Delay {
		b.MaxInterval = p.Delay
	}
	b.Reset()
	return b
}
