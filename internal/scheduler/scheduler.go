package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/docflow/internal/telemetry"
)

// ErrDuplicateJob — работа с таким именем уже зарегистрирована.
var ErrDuplicateJob = errors.New("job already registered")

// Job — фоновая работа.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Config — конфигурация Scheduler.
type Config struct {
	Logger *slog.Logger
}

// Scheduler запускает работы по расписанию.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// New создаёт новый Scheduler. Расписания считаются в UTC.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = telemetry.WithComponent(logger, "scheduler")

	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add регистрирует работу.
func (s *Scheduler) Add(job Job) error {
	if err := ValidateCronExpr(job.Spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}

	id, err := s.cron.AddFunc(job.Spec, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("add job %s: %w", job.Name, err)
	}
	s.entries[job.Name] = id

	s.logger.Info("job registered", "job", job.Name, "spec", job.Spec)
	return nil
}

// run выполняет одну работу и считает исход.
func (s *Scheduler) run(job Job) {
	start := time.Now()
	logger := s.logger.With("job", job.Name)

	if err := job.Run(s.ctx); err != nil {
		telemetry.MaintenanceRuns.WithLabelValues(job.Name, "error").Inc()
		logger.Error("job failed", "error", err, "duration", time.Since(start))
		return
	}

	telemetry.MaintenanceRuns.WithLabelValues(job.Name, "ok").Inc()
	logger.Debug("job completed", "duration", time.Since(start))
}

// Start запускает планировщик. ctx отменяет работы в процессе.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()
	s.cron.Start()
}

// Stop останавливает планировщик и ждёт текущих работ (не дольше ctx).
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// Next возвращает время следующего запуска работы.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}

	return s.cron.Entry(id).Next, true
}

// cronLogger направляет логи cron в slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
