package mq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSupervisor_GivesUpAfterMaxRestarts(t *testing.T) {
	var restarts atomic.Int32
	s := NewSupervisor(SupervisorConfig{
		Name:         "test",
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		MaxRestarts:  2,
		OnRestart:    func() { restarts.Add(1) },
	}, nil)

	var calls atomic.Int32
	err := s.Run(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("broken")
	})

	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("expected ErrGaveUp, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 runs (1 + 2 restarts), got %d", calls.Load())
	}
	if restarts.Load() != 2 {
		t.Errorf("expected 2 restarts, got %d", restarts.Load())
	}

	st := s.Status()
	if !st.GaveUp || st.Running {
		t.Errorf("unexpected status: %+v", st)
	}
	if s.Healthy() {
		t.Error("supervisor that gave up should not be healthy")
	}
}

func TestSupervisor_MarkHealthyResetsFailures(t *testing.T) {
	s := NewSupervisor(SupervisorConfig{
		Name:         "test",
		InitialDelay: time.Millisecond,
		MaxRestarts:  1,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Каждая сессия успевает стартовать, поэтому лимит не достигается
	var calls atomic.Int32
	err := s.Run(ctx, func(ctx context.Context) error {
		if calls.Add(1) == 5 {
			cancel()
			return nil
		}
		s.MarkHealthy()
		return errors.New("session dropped")
	})

	if err != nil {
		t.Fatalf("expected nil after cancel, got %v", err)
	}
	if calls.Load() != 5 {
		t.Errorf("expected 5 sessions, got %d", calls.Load())
	}
	if s.Status().GaveUp {
		t.Error("supervisor should not give up when sessions start successfully")
	}
}

func TestSupervisor_UnexpectedNilIsFailure(t *testing.T) {
	s := NewSupervisor(SupervisorConfig{
		Name:         "test",
		InitialDelay: time.Millisecond,
		MaxRestarts:  1,
	}, nil)

	err := s.Run(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("expected ErrGaveUp, got %v", err)
	}
}
