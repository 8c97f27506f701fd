package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPCCallsTotal tracks RPC calls per provider and method
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polywatch_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"provider", "method"},
	)

	// RPCErrorsTotal tracks RPC errors per provider
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polywatch_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"provider", "method"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polywatch_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "method"},
	)

	// ProviderFailovers counts switches of the active endpoint
	ProviderFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polywatch_provider_failovers_total",
			Help: "Total number of active provider switches",
		},
		[]string{"from", "to"},
	)

	// ProviderHealthy is 1 when the endpoint passed its last health check
	ProviderHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polywatch_provider_healthy",
			Help: "Health of each upstream endpoint (1 healthy, 0 unhealthy)",
		},
		[]string{"provider"},
	)

	// SubscriberEvents counts received events by name
	SubscriberEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polywatch_subscriber_events_total",
			Help: "Total number of contract events received",
		},
		[]string{"event"},
	)

	// SubscriberErrors counts decode and handler errors by event name and stage
	SubscriberErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polywatch_subscriber_errors_total",
			Help: "Total number of subscriber errors",
		},
		[]string{"event", "stage"},
	)

	// SubscriberReconnections counts reconnect attempts
	SubscriberReconnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "polywatch_subscriber_reconnections_total",
			Help: "Total number of stream reconnect attempts",
		},
	)

	// SubscriberLastBlock is the highest block seen on the stream
	SubscriberLastBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "polywatch_subscriber_last_block",
			Help: "Highest block number seen by the subscriber",
		},
	)

	// TransactionsProcessed counts processor outcomes (saved, duplicate, error)
	TransactionsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polywatch_transactions_processed_total",
			Help: "Total number of processed events by outcome",
		},
		[]string{"event", "outcome"},
	)

	// WalletUpdates counts wallet profile recomputations
	WalletUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polywatch_wallet_updates_total",
			Help: "Total number of wallet profile recomputations",
		},
		[]string{"outcome"},
	)

	// NewWhales counts false->true whale transitions
	NewWhales = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "polywatch_new_whales_total",
			Help: "Total number of wallets newly flagged as whales",
		},
	)

	// PipelineDuration tracks per-transaction analysis latency by priority
	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polywatch_pipeline_duration_seconds",
			Help:    "Per-transaction analysis duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"priority"},
	)

	// AnalyzerErrors counts analyzer failures downgraded to partial results
	AnalyzerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polywatch_analyzer_errors_total",
			Help: "Total number of analyzer failures",
		},
		[]string{"analyzer"},
	)

	// AnomaliesDetected counts detections by pattern and severity
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polywatch_anomalies_detected_total",
			Help: "Total number of anomaly detections",
		},
		[]string{"pattern", "severity"},
	)

	// CacheOps counts cache results by operation and result (hit, miss, fallback, error)
	CacheOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polywatch_cache_operations_total",
			Help: "Total number of cache operations",
		},
		[]string{"op", "result"},
	)

	// AlertsTotal counts delivery outcomes (sent, queued, duplicate, failed)
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polywatch_alerts_total",
			Help: "Total number of alerts by delivery outcome",
		},
		[]string{"type", "outcome"},
	)

	// BatchRuns counts periodic job runs by job and outcome
	BatchRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polywatch_batch_runs_total",
			Help: "Total number of batch job runs",
		},
		[]string{"job", "outcome"},
	)

	// AnomalyQueueDepth is the number of NORMAL transactions awaiting the batch check
	AnomalyQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "polywatch_anomaly_queue_depth",
			Help: "Transactions waiting for the deferred anomaly batch",
		},
	)

	// DBConnectionPoolUsage is open connections as a percentage of the pool limit
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "polywatch_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
