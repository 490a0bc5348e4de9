// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Aggregation metrics
	TransfersHandled      prometheus.Counter
	EventProcessingErrors *prometheus.CounterVec
	NegativeBalances      prometheus.Counter
	HolderCount           prometheus.Gauge
	HandleLatency         prometheus.Histogram

	// Ingestion metrics
	HighestBlockSeen     prometheus.Gauge
	LastCommittedBlock   prometheus.Gauge
	PendingBlocks        prometheus.Gauge
	TransfersFetched     *prometheus.CounterVec
	RPCCallLatency       *prometheus.HistogramVec
	BlockCacheLookups    *prometheus.CounterVec
	WSReconnects         prometheus.Counter
	LastSuccessfulCommit prometheus.Gauge

	// Database metrics
	StoreApplyLatency prometheus.Histogram
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "holder_analytics"
	}

	return &Metrics{
		TransfersHandled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "transfers_handled_total",
			Help:      "Total number of transfer events committed",
		}),
		EventProcessingErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "event_errors_total",
			Help:      "Total number of transfer events that failed, by error kind",
		}, []string{"kind"}),
		NegativeBalances: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "negative_balances_total",
			Help:      "Total number of debits that left an account below zero",
		}),
		HolderCount: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "holders",
			Help:      "Current number of accounts with a positive balance",
		}),
		HandleLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "handle_duration_seconds",
			Help:      "Time to handle and commit one transfer event",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),

		HighestBlockSeen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "highest_block_seen",
			Help:      "Highest block number received from the event source",
		}),
		LastCommittedBlock: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "last_committed_block",
			Help:      "Block number of the last committed transfer event",
		}),
		PendingBlocks: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "pending_blocks",
			Help:      "Number of blocks seen at the head but not yet released",
		}),
		TransfersFetched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "transfers_fetched_total",
			Help:      "Total number of transfer events received, by source",
		}, []string{"source"}),
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "rpc_call_duration_seconds",
			Help:      "JSON-RPC call latency by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		BlockCacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "block_cache_lookups_total",
			Help:      "Block timestamp cache lookups by result",
		}, []string{"result"}),
		WSReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "ws_reconnects_total",
			Help:      "Total number of WebSocket reconnects",
		}),
		LastSuccessfulCommit: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_commit_timestamp",
			Help:      "Unix timestamp of the last committed transfer event",
		}),

		StoreApplyLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "apply_duration_seconds",
			Help:      "Time to commit one ChangeSet to the ledger store",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTransferHandled records a committed transfer event.
func RecordTransferHandled(block uint64, holders int64, seconds float64) {
	DefaultMetrics.TransfersHandled.Inc()
	DefaultMetrics.HolderCount.Set(float64(holders))
	DefaultMetrics.LastCommittedBlock.Set(float64(block))
	DefaultMetrics.HandleLatency.Observe(seconds)
	DefaultMetrics.LastSuccessfulCommit.SetToCurrentTime()
}

// RecordEventError records a failed transfer event by kind.
func RecordEventError(kind string) {
	DefaultMetrics.EventProcessingErrors.WithLabelValues(kind).Inc()
}

// RecordNegativeBalance records a debit that left an account below zero.
func RecordNegativeBalance() {
	DefaultMetrics.NegativeBalances.Inc()
}

// RecordStoreApply records the commit latency of one ChangeSet.
func RecordStoreApply(seconds float64) {
	DefaultMetrics.StoreApplyLatency.Observe(seconds)
}

// RecordTransfersFetched counts events received from a source.
func RecordTransfersFetched(source string, n int) {
	DefaultMetrics.TransfersFetched.WithLabelValues(source).Add(float64(n))
}

// UpdateHighestBlock updates the highest block seen gauge.
func UpdateHighestBlock(block uint64) {
	DefaultMetrics.HighestBlockSeen.Set(float64(block))
}

// UpdatePendingBlocks updates the number of blocks waiting for release.
func UpdatePendingBlocks(n uint64) {
	DefaultMetrics.PendingBlocks.Set(float64(n))
}

// RecordRPCLatency records JSON-RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordBlockCacheLookup records a block timestamp cache hit or miss.
func RecordBlockCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	DefaultMetrics.BlockCacheLookups.WithLabelValues(result).Inc()
}

// RecordWSReconnect records a WebSocket reconnect.
func RecordWSReconnect() {
	DefaultMetrics.WSReconnects.Inc()
}
