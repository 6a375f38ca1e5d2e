package mq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// SupervisorConfig — политика перезапусков.
type SupervisorConfig struct {
	// Name — имя для логов.
	Name string

	// InitialDelay — пауза перед первым перезапуском (default: 1s).
	InitialDelay time.Duration

	// MaxDelay — верхняя граница паузы (default: 30s).
	MaxDelay time.Duration

	// MaxRestarts — сколько подряд неудачных запусков допускается (default: 5).
	MaxRestarts int

	// OnRestart вызывается перед каждым перезапуском.
	OnRestart func()
}

// SupervisorStatus — снимок состояния супервизора.
type SupervisorStatus struct {
	Name     string `json:"name"`
	Running  bool   `json:"running"`
	Failures int    `json:"consecutive_failures"`
	GaveUp   bool   `json:"gave_up"`
	LastErr  string `json:"last_error,omitempty"`
}

// Supervisor перезапускает долгоживущий цикл после сбоев.
//
// Паузы растут экспоненциально: InitialDelay, x2, ... не больше MaxDelay.
// MarkHealthy (обычно из OnStarted consumer'а) сбрасывает счётчик и паузу.
// После MaxRestarts неудач подряд Run возвращает ErrGaveUp.
type Supervisor struct {
	cfg    SupervisorConfig
	logger *slog.Logger

	mu       sync.Mutex
	backoff  *backoff.ExponentialBackOff
	running  bool
	failures int
	gaveUp   bool
	lastErr  error
}

// NewSupervisor создаёт супервизор.
func NewSupervisor(cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = 30 * time.Second
		if cfg.MaxDelay < cfg.InitialDelay {
			cfg.MaxDelay = cfg.InitialDelay
		}
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = cfg.MaxDelay
	b.Reset()

	return &Supervisor{
		cfg:     cfg,
		logger:  logger.With("supervisor", cfg.Name),
		backoff: b,
	}
}

// Run выполняет fn, пока ctx не отменён.
//
// fn, вернувшая nil при живом ctx, тоже считается сбоем: цикл не должен
// завершаться сам. Возвращает nil при отмене ctx.
func (s *Supervisor) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	s.setRunning(true)
	defer s.setRunning(false)

	for {
		err := fn(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("%s exited unexpectedly", s.cfg.Name)
		}

		s.mu.Lock()
		s.failures++
		s.lastErr = err
		failures := s.failures
		delay := s.backoff.NextBackOff()
		s.mu.Unlock()

		if failures > s.cfg.MaxRestarts {
			s.mu.Lock()
			s.gaveUp = true
			s.mu.Unlock()

			s.logger.Error("restart limit reached, giving up",
				"failures", failures,
				"max_restarts", s.cfg.MaxRestarts,
				"error", err,
			)
			return fmt.Errorf("%w: %s: %v", ErrGaveUp, s.cfg.Name, err)
		}

		s.logger.Warn("loop failed, restarting",
			"attempt", failures,
			"max_restarts", s.cfg.MaxRestarts,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		if s.cfg.OnRestart != nil {
			s.cfg.OnRestart()
		}
	}
}

// MarkHealthy сбрасывает счётчик неудач и паузу.
func (s *Supervisor) MarkHealthy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = 0
	s.lastErr = nil
	s.backoff.Reset()
}

// Status возвращает снимок состояния.
func (s *Supervisor) Status() SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SupervisorStatus{
		Name:     s.cfg.Name,
		Running:  s.running,
		Failures: s.failures,
		GaveUp:   s.gaveUp,
	}
	if s.lastErr != nil {
		st.LastErr = s.lastErr.Error()
	}
	return st
}

// Healthy — цикл работает и не сдался.
func (s *Supervisor) Healthy() bool {
	st := s.Status()
	return st.Running && !st.GaveUp
}

func (s *Supervisor) setRunning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = v
}
