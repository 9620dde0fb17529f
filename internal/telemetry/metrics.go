package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики регистрируются в default registry и отдаются
// через promhttp.Handler() на /metrics каждого сервиса.
var (
	// InvocationsTotal — счётчик терминальных состояний вызовов
	// по виду задачи и итоговому состоянию (SUCCESS/FAILURE).
	InvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floodtwin_invocations_total",
		Help: "Terminal task invocations by kind and final state",
	}, []string{"kind", "state"})

	// InvocationDuration — длительность выполнения вызова от STARTED
	// до терминального состояния. Модельные прогоны занимают минуты,
	// подготовка данных — секунды, отсюда широкие bucket'ы.
	InvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "floodtwin_invocation_duration_seconds",
		Help:    "Task invocation duration from start to terminal state",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
	}, []string{"kind"})

	// PipelinesTotal — счётчик завершённых пайплайнов по состоянию.
	PipelinesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "floodtwin_pipelines_total",
		Help: "Finished pipelines by terminal state",
	}, []string{"state"})

	// PublishFailures — неудачные публикации в RabbitMQ.
	// Работа при этом не теряется: её подберёт polling-цикл
	// оркестратора.
	PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floodtwin_publish_failures_total",
		Help: "Failed publishes to the dispatch queue",
	})

	// RedeliveriesTotal — повторные доставки уже обработанных
	// вызовов (at-least-once в действии).
	RedeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floodtwin_redeliveries_total",
		Help: "Deliveries acked without work because the invocation was already terminal",
	})

	// BrokerReconnects — успешные восстановления соединения с
	// RabbitMQ после разрыва.
	BrokerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floodtwin_broker_reconnects_total",
		Help: "Successful broker reconnects after a connection loss",
	})

	// PurgedPipelinesTotal — пайплайны, удалённые по истечении срока
	// хранения вместе с рабочими директориями модели.
	PurgedPipelinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "floodtwin_purged_pipelines_total",
		Help: "Expired pipelines removed by the retention janitor",
	})
)
