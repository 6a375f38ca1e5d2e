package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeAck запоминает, как было подтверждено сообщение.
type fakeAck struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue []bool
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks++
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAck) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks, f.nacks
}

func newTestConsumer(h Handler) *Consumer {
	return NewConsumer(nil, nil, ConsumerConfig{
		Queue:   QueueNotifications,
		Handler: h,
	})
}

func delivery(ack amqp.Acknowledger, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(body)}
}

func TestConsumer_HandleDelivery_Decisions(t *testing.T) {
	tests := []struct {
		name      string
		decision  Decision
		wantAcks  int
		wantNacks int
		requeue   bool
	}{
		{"ack", Ack, 1, 0, false},
		{"nack discard", Nack(false), 0, 1, false},
		{"nack requeue", Nack(true), 0, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAck{}
			c := newTestConsumer(func(ctx context.Context, d *Delivery) Decision {
				return tt.decision
			})

			c.handleDelivery(context.Background(), delivery(ack, `{"type":"x"}`))

			acks, nacks := ack.counts()
			if acks != tt.wantAcks || nacks != tt.wantNacks {
				t.Fatalf("expected %d acks / %d nacks, got %d / %d", tt.wantAcks, tt.wantNacks, acks, nacks)
			}
			if tt.wantNacks > 0 && ack.requeue[0] != tt.requeue {
				t.Errorf("expected requeue=%v", tt.requeue)
			}
		})
	}
}

func TestConsumer_InvalidJSON_Discarded(t *testing.T) {
	ack := &fakeAck{}
	called := false
	c := newTestConsumer(func(ctx context.Context, d *Delivery) Decision {
		called = true
		return Ack
	})

	c.handleDelivery(context.Background(), delivery(ack, `{not json`))

	if called {
		t.Error("handler should not be called for invalid JSON")
	}
	acks, nacks := ack.counts()
	if acks != 0 || nacks != 1 || ack.requeue[0] {
		t.Errorf("expected a single nack without requeue, got acks=%d nacks=%d", acks, nacks)
	}
}

func TestConsumer_HandlerPanic_Discarded(t *testing.T) {
	ack := &fakeAck{}
	c := newTestConsumer(func(ctx context.Context, d *Delivery) Decision {
		panic("boom")
	})

	c.handleDelivery(context.Background(), delivery(ack, `{}`))

	_, nacks := ack.counts()
	if nacks != 1 || ack.requeue[0] {
		t.Errorf("expected nack without requeue after panic")
	}
}

func TestConsumer_Delivery_Decode(t *testing.T) {
	var got TaskMessage
	c := newTestConsumer(func(ctx context.Context, d *Delivery) Decision {
		if err := d.Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		if d.Queue != QueueNotifications {
			t.Errorf("expected queue %s, got %s", QueueNotifications, d.Queue)
		}
		return Ack
	})

	c.handleDelivery(context.Background(), delivery(&fakeAck{}, `{"taskId":"t1","retryCount":2}`))

	if got.TaskID != "t1" || got.RetryCount != 2 {
		t.Errorf("unexpected decoded message: %+v", got)
	}
}

func TestDelivery_Decode_TypeMismatch(t *testing.T) {
	d := &Delivery{Body: []byte(`{"retryCount":"three"}`)}
	var m TaskMessage
	if err := d.Decode(&m); !errors.Is(err, ErrSerialization) {
		t.Errorf("expected ErrSerialization, got %v", err)
	}
}

func TestConsumer_Serve_ProcessesConcurrently(t *testing.T) {
	const workers = 3

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	release := make(chan struct{})

	c := NewConsumer(nil, nil, ConsumerConfig{
		Queue:    QueueOCRProcess,
		Prefetch: workers,
		Handler: func(ctx context.Context, d *Delivery) Decision {
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			<-release

			mu.Lock()
			active--
			mu.Unlock()
			return Ack
		},
	})

	deliveries := make(chan amqp.Delivery, workers)
	ack := &fakeAck{}
	for i := 0; i < workers; i++ {
		deliveries <- delivery(ack, `{}`)
	}

	done := make(chan error, 1)
	go func() { done <- c.serve(context.Background(), deliveries) }()

	// Ждём, пока все workers возьмут по сообщению
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := active
		mu.Unlock()
		if n == workers {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected %d concurrent handlers, got %d", workers, n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(release)
	close(deliveries)

	select {
	case err := <-done:
		if !errors.Is(err, ErrChannelClosed) {
			t.Errorf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after deliveries closed")
	}

	if acks, _ := ack.counts(); acks != workers {
		t.Errorf("expected %d acks, got %d", workers, acks)
	}
	if maxSeen != workers {
		t.Errorf("expected max concurrency %d, got %d", workers, maxSeen)
	}
}

func TestConsumer_Serve_StopsOnContextCancel(t *testing.T) {
	c := newTestConsumer(func(ctx context.Context, d *Delivery) Decision { return Ack })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.serve(ctx, make(chan amqp.Delivery)) }()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestDecision_String(t *testing.T) {
	if Ack.String() != "ack" || NackDiscard.String() != "nack" || NackRequeue.String() != "requeue" {
		t.Error("unexpected decision names")
	}
}
