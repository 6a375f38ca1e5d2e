package mq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/docflow/internal/config"
)

var errDial = errors.New("connection refused")

// newFailingConnection возвращает соединение, у которого dial всегда падает.
func newFailingConnection(maxAttempts int, dials *atomic.Int32) *Connection {
	conn := NewConnection(config.BrokerConfig{
		Host: "localhost",
		Port: 5672,
		Reconnect: config.ReconnectPolicy{
			MaxAttempts:   maxAttempts,
			Delay:         time.Millisecond,
			BackoffFactor: 2,
			MaxDelay:      5 * time.Millisecond,
		},
	}, DefaultTopology(), nil)

	conn.dial = func(url string, cfg amqp.Config) (*amqp.Connection, error) {
		dials.Add(1)
		return nil, errDial
	}
	return conn
}

func TestConnection_Connect_ExhaustsAttempts(t *testing.T) {
	var dials atomic.Int32
	conn := newFailingConnection(2, &dials)

	err := conn.Connect(context.Background())
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}

	// Первая попытка + 2 переподключения
	if got := dials.Load(); got != 3 {
		t.Errorf("expected 3 dial attempts, got %d", got)
	}

	h := conn.Health()
	if h.State != StateDisconnected {
		t.Errorf("expected state %s, got %s", StateDisconnected, h.State)
	}
	if h.Healthy() {
		t.Error("exhausted connection should not be healthy")
	}
	if h.LastError == "" {
		t.Error("expected last error to be reported")
	}
	if conn.IsConnected() {
		t.Error("expected IsConnected=false")
	}
}

func TestConnection_Connect_ContextCancelled(t *testing.T) {
	var dials atomic.Int32
	conn := newFailingConnection(1000, &dials)
	conn.cfg.Reconnect.Delay = time.Hour
	conn.cfg.Reconnect.MaxDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := conn.Connect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if dials.Load() != 1 {
		t.Errorf("expected a single dial before waiting, got %d", dials.Load())
	}
}

func TestConnection_TryConnect_SingleAttempt(t *testing.T) {
	var dials atomic.Int32
	conn := newFailingConnection(5, &dials)

	if err := conn.TryConnect(); !errors.Is(err, errDial) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if dials.Load() != 1 {
		t.Errorf("expected 1 dial, got %d", dials.Load())
	}
}

func TestConnection_Disconnect_Idempotent(t *testing.T) {
	var dials atomic.Int32
	conn := newFailingConnection(0, &dials)

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("first disconnect: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if conn.State() != StateClosed {
		t.Errorf("expected state %s, got %s", StateClosed, conn.State())
	}

	if err := conn.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after disconnect, got %v", err)
	}
	if dials.Load() != 0 {
		t.Errorf("closed connection should not dial, got %d", dials.Load())
	}
}

func TestConnection_WithChannel_NotConnected(t *testing.T) {
	conn := NewConnection(config.BrokerConfig{}, DefaultTopology(), nil)

	err := conn.WithChannel(context.Background(), func(ch *amqp.Channel) error {
		t.Error("fn should not be called without a channel")
		return nil
	})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if conn.State() != StateIdle {
		t.Errorf("expected state %s, got %s", StateIdle, conn.State())
	}
}

func TestNewReconnectBackoff(t *testing.T) {
	tests := []struct {
		name   string
		policy config.ReconnectPolicy
		want   []time.Duration
	}{
		{
			name:   "fixed delay",
			policy: config.ReconnectPolicy{Delay: 5 * time.Second, BackoffFactor: 1, MaxDelay: time.Minute},
			want:   []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second},
		},
		{
			name:   "doubling capped",
			policy: config.ReconnectPolicy{Delay: time.Second, BackoffFactor: 2, MaxDelay: 3 * time.Second},
			want:   []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newReconnectBackoff(tt.policy)
			for i, want := range tt.want {
				if got := b.NextBackOff(); got != want {
					t.Errorf("delay %d: expected %v, got %v", i, want, got)
				}
			}
		})
	}
}
