package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики брокера.
var (
	// MessagesConsumed — обработанные consumer'ом сообщения по очереди и исходу (ack, nack, requeue).
	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_mq_messages_consumed_total",
		Help: "Messages consumed from a queue, by outcome",
	}, []string{"queue", "outcome"})

	// PublishAttempts — попытки публикации по исходу (ok, retry, failed).
	PublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_mq_publish_attempts_total",
		Help: "Publish attempts, by outcome",
	}, []string{"routing_key", "outcome"})

	// BrokerReconnects — успешные переподключения к RabbitMQ.
	BrokerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docflow_mq_reconnects_total",
		Help: "Successful reconnections to RabbitMQ",
	})

	// BrokerConnected — 1, если соединение установлено.
	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docflow_mq_connected",
		Help: "Whether the broker connection is up",
	})
)

// Метрики обработчиков задач.
var (
	// TasksTotal — задачи по обработчику и исходу (completed, retried, dead_lettered, invalid).
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_tasks_total",
		Help: "Tasks handled by processors, by outcome",
	}, []string{"processor", "outcome"})

	// TasksInFlight — задачи в работе.
	TasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docflow_tasks_in_flight",
		Help: "Tasks currently being processed",
	}, []string{"processor"})

	// TaskDuration — длительность выполнения задачи.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docflow_task_duration_seconds",
		Help:    "Task execution time",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"processor"})

	// EventsDropped — статусы и уведомления, которые не удалось отправить.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_events_dropped_total",
		Help: "Status and notification events that could not be published",
	}, []string{"kind"})
)

// Метрики корреляции запросов.
var (
	// CorrelationPending — запросы, ожидающие ответа партнёра.
	CorrelationPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docflow_correlation_pending",
		Help: "Outstanding correlated requests",
	})

	// CorrelationRequests — запросы по исходу (completed, failed, timeout, publish_failed).
	CorrelationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_correlation_requests_total",
		Help: "Correlated requests, by outcome",
	}, []string{"outcome"})

	// CorrelationLatency — время от публикации запроса до ответа.
	CorrelationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docflow_correlation_latency_seconds",
		Help:    "Time from request publish to result",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	// CorrelationLateResults — результаты для неизвестных или истёкших запросов.
	CorrelationLateResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docflow_correlation_late_results_total",
		Help: "Results received for unknown or expired requests",
	})

	// ListenerRestarts — перезапуски слушателя результатов.
	ListenerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docflow_correlation_listener_restarts_total",
		Help: "Restarts of the correlation result listener",
	})
)

// Метрики обслуживания.
var (
	// MaintenanceRuns — запуски фоновых работ по исходу (ok, error).
	MaintenanceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_maintenance_runs_total",
		Help: "Scheduled maintenance job runs, by outcome",
	}, []string{"job", "outcome"})

	// FilesCleaned — удалённые устаревшие файлы загрузок и кропов.
	FilesCleaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docflow_maintenance_files_removed_total",
		Help: "Expired upload and crop files removed",
	})
)

// Метрики HTTP API.
var (
	// HTTPRequests — запросы по шаблону маршрута и коду ответа.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docflow_http_requests_total",
		Help: "HTTP API requests, by route and status code",
	}, []string{"route", "code"})

	// HTTPDuration — время обработки запроса.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docflow_http_request_duration_seconds",
		Help:    "HTTP API request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)
