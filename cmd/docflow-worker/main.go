// Docflow Worker — обрабатывает задачи документов из RabbitMQ.
//
// Worker:
//   - Детекция разметки (document.analysis, python.document.detection)
//   - OCR регионов (ocr.process, python.ocr): локально через сервис
//     инференса или через партнёрский сервис (REMOTE_OCR=true)
//   - Внутренние уведомления (notifications)
//   - Повторы по retryCount/maxRetries, остальное — в dead.letter.queue
//   - Обслуживание по cron: очистка загрузок и кропов, зависшие запросы OCR
//
// Служебный HTTP: /healthz, /readyz, /metrics, /api/v1/...
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaiso/docflow/internal/api"
	"github.com/shaiso/docflow/internal/config"
	"github.com/shaiso/docflow/internal/correlation"
	"github.com/shaiso/docflow/internal/events"
	"github.com/shaiso/docflow/internal/inference"
	"github.com/shaiso/docflow/internal/mq"
	"github.com/shaiso/docflow/internal/processor"
	"github.com/shaiso/docflow/internal/repo"
	"github.com/shaiso/docflow/internal/scheduler"
	"github.com/shaiso/docflow/internal/tasks"
	"github.com/shaiso/docflow/internal/telemetry"
)

// lifecycle — то, что умеют все обработчики.
type lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Stats() processor.Stats
	Healthy() bool
}

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting docflow-worker")

	if err := run(logger); err != nil {
		logger.Error("docflow-worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("docflow-worker stopped")
}

func run(logger *slog.Logger) error {
	cfg := config.Load()

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Хранилище
	store, err := repo.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logger.Info("store opened", "driver", cfg.Store.Driver)

	// RabbitMQ
	topology := mq.DefaultTopology()
	if err := topology.Validate(); err != nil {
		return fmt.Errorf("topology: %w", err)
	}
	logger.Info("broker topology", "topology", topology.Describe())

	newConn := func() *mq.Connection {
		return mq.NewConnection(cfg.Broker, topology, logger)
	}

	// Соединение для публикации: статусы, уведомления, повторы, новые задачи
	pubConn := newConn()
	defer pubConn.Disconnect()

	if err := pubConn.Connect(ctx); err != nil {
		return fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	logger.Info("RabbitMQ connected")

	publisher := mq.NewPublisher(pubConn, logger, mq.PublisherConfig{})
	emitter := events.NewEmitter(publisher, logger)

	// Коллабораторы
	inferenceClient := inference.NewClient(cfg.Inference.URL, cfg.Inference.Timeout)
	cropper := &correlation.ImageCropper{
		SourceDir: cfg.Processor.UploadDir,
		CropsDir:  cfg.Correlation.CropsDir,
	}

	var (
		recognizer processor.Recognizer = inference.NewRecognizer(inferenceClient, cfg.Correlation.CropsDir)
		corrSvc    *correlation.Service
		listener   *correlation.Listener
	)
	if cfg.Processor.RemoteOCR {
		corrSvc = correlation.NewService(publisher, correlation.NewPendingTable(), correlation.ServiceConfig{
			CropsDir: cfg.Correlation.CropsDir,
			Timeout:  cfg.Correlation.Timeout,
			Cropper:  cropper,
			Logger:   logger,
		})
		listener = correlation.NewListener(corrSvc, correlation.ListenerConfig{
			NewConnection: newConn,
			Prefetch:      cfg.Broker.PrefetchCount,
			InitialDelay:  cfg.Correlation.ListenerInitialDelay,
			MaxDelay:      cfg.Correlation.ListenerMaxDelay,
			MaxRestarts:   cfg.Correlation.ListenerMaxRestarts,
			Logger:        logger,
		})
		// Слушатель живёт дольше обработчиков: OCR в работе ждёт ответов до конца drain
		listener.Start(context.WithoutCancel(ctx))
		recognizer = corrSvc
		logger.Info("remote OCR enabled", "timeout", cfg.Correlation.Timeout)
	}

	// Обработчики
	base := func(workers int) processor.BaseConfig {
		return processor.BaseConfig{
			Sender:              publisher,
			NewConnection:       newConn,
			MaxConcurrent:       workers,
			MaxRetries:          cfg.Processor.MaxRetries,
			DrainTimeout:        cfg.Processor.DrainTimeout,
			RestartInitialDelay: cfg.Processor.RestartInitialDelay,
			RestartMaxDelay:     cfg.Processor.RestartMaxDelay,
			MaxRestarts:         cfg.Processor.MaxRestarts,
			Logger:              logger,
		}
	}

	processors := []lifecycle{
		processor.NewDetectionProcessor(processor.DetectionConfig{
			Base:       base(cfg.Processor.DetectionWorkers),
			Store:      store,
			Events:     emitter,
			Detector:   inferenceClient,
			Cropper:    cropper,
			UploadDir:  cfg.Processor.UploadDir,
			ImageSize:  cfg.Inference.ImageSize,
			Confidence: cfg.Inference.Confidence,
		}),
		processor.NewOCRProcessor(processor.OCRConfig{
			Base:       base(cfg.Processor.OCRWorkers),
			Store:      store,
			Events:     emitter,
			Recognizer: recognizer,
		}),
		processor.NewNotificationProcessor(processor.NotificationConfig{
			Base:  base(cfg.Processor.NotificationWorkers),
			Store: store,
		}),
	}

	stats := make([]tasks.StatsSource, 0, len(processors))
	for _, p := range processors {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start %s processor: %w", p.Name(), err)
		}
		stats = append(stats, p)
	}

	// Обслуживание
	sched := scheduler.New(scheduler.Config{Logger: logger})
	if spec := cfg.Maintenance.CleanupSchedule; spec != "" {
		if err := sched.Add(scheduler.Job{
			Name: "cleanup-files",
			Spec: spec,
			Run:  scheduler.CleanupJob([]string{cfg.Processor.UploadDir, cfg.Correlation.CropsDir}, cfg.Maintenance.CleanupMaxAge, logger),
		}); err != nil {
			return fmt.Errorf("schedule cleanup: %w", err)
		}
	}
	if spec := cfg.Maintenance.SweepSchedule; spec != "" && corrSvc != nil {
		// Service сам снимает запрос по таймауту; здесь только то, что потерялось
		if err := sched.Add(scheduler.Job{
			Name: "sweep-pending-ocr",
			Spec: spec,
			Run:  scheduler.SweepJob(corrSvc.Table(), 2*cfg.Correlation.Timeout, logger),
		}); err != nil {
			return fmt.Errorf("schedule sweep: %w", err)
		}
	}
	sched.Start(ctx)

	taskService := tasks.NewService(tasks.Config{
		Store:       store,
		Sender:      publisher,
		Broker:      pubConn,
		Processors:  stats,
		Correlation: corrSvc,
		Listener:    listener,
		MaxRetries:  cfg.Processor.MaxRetries,
		Logger:      logger,
	})

	// HTTP
	handler := api.NewHandler(api.Config{
		Tasks:   taskService,
		Results: store,
		Logger:  logger,
	})
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Processor.DrainTimeout+10*time.Second)
	defer shutdownCancel()

	// Сначала перестаём брать задачи и дожидаемся текущих
	for _, p := range processors {
		if err := p.Stop(shutdownCtx); err != nil {
			logger.Warn("processor stop", "processor", p.Name(), "error", err)
		}
	}

	if listener != nil {
		listener.Stop()
	}

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop", "error", err)
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	return nil
}
