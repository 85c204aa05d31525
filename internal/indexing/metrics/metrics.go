package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksApplied tracks total blocks applied to the index
	BlocksApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blockstor_blocks_applied_total",
			Help: "Total number of blocks applied",
		},
	)

	// BlocksRolledBack tracks total blocks undone by rollbacks
	BlocksRolledBack = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blockstor_blocks_rolled_back_total",
			Help: "Total number of blocks rolled back",
		},
	)

	// TipHeight tracks the height of the indexed tip
	TipHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockstor_tip_height",
			Help: "Height of the indexed tip",
		},
	)

	// NodeHeight tracks the node's reported block count
	NodeHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockstor_node_height",
			Help: "Block count reported by the node",
		},
	)

	// TxSequence tracks the global transaction sequence counter
	TxSequence = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockstor_tx_sequence",
			Help: "Last assigned transaction sequence",
		},
	)

	// BlockApplyDuration tracks effect computation plus batch commit time
	BlockApplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockstor_block_apply_duration_seconds",
			Help:    "Time to compute and commit one block",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	// MempoolTransactions tracks the number of tracked mempool transactions
	MempoolTransactions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockstor_mempool_transactions",
			Help: "Number of mempool transactions tracked",
		},
	)

	// MempoolUnresolvedInputs tracks mempool inputs whose spent output was not found
	MempoolUnresolvedInputs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "blockstor_mempool_unresolved_inputs_total",
			Help: "Mempool inputs that could not be resolved",
		},
	)

	// FetchInFlight tracks blocks requested from the peer and not yet delivered
	FetchInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockstor_fetch_in_flight",
			Help: "Blocks requested from the peer and not yet received",
		},
	)

	// RPCCallsTotal tracks node RPC calls per method
	RPCCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockstor_rpc_calls_total",
			Help: "Total number of RPC calls",
		},
		[]string{"provider", "method"},
	)

	// RPCErrorsTotal tracks node RPC errors
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockstor_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"provider", "error_type"},
	)

	// RPCLatency tracks RPC call latency
	RPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockstor_rpc_latency_seconds",
			Help:    "RPC call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "method"},
	)

	// BusyRejections tracks external requests rejected by the concurrency limiter
	BusyRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockstor_busy_rejections_total",
			Help: "Requests rejected because the limiter was full",
		},
		[]string{"operation"},
	)

	// EngineState is 1 for the engine's current state and 0 for the others
	EngineState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockstor_engine_state",
			Help: "Current sync engine state",
		},
		[]string{"state"},
	)
)
