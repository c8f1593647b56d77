package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CoinArena.
type Metrics struct {
	// --- Tick scheduler ---
	TicksProcessed *prometheus.CounterVec
	TickFailures   *prometheus.CounterVec
	TickDuration   prometheus.Histogram
	CycleDuration  prometheus.Histogram
	ActiveMatches  prometheus.Gauge
	InputsDrained  prometheus.Counter
	InputsDropped  prometheus.Counter

	// --- Broadcast ---
	SnapshotsBroadcast prometheus.Counter
	BroadcastDrops     prometheus.Counter
	Subscribers        prometheus.Gauge

	// --- Finalization ---
	Finalizations        *prometheus.CounterVec
	SettlementPublishErr prometheus.Counter

	// --- Settlement ---
	PayoutExecutions  *prometheus.CounterVec
	PayoutItems       *prometheus.CounterVec
	PayoutSendRetries prometheus.Counter
	PayoutQueueDepth  prometheus.Gauge
	TriggerDuplicates *prometheus.CounterVec
	NonceReservations prometheus.Counter
	NonceLockWait     prometheus.Histogram
	NonceLockTimeouts prometheus.Counter
	ChainCallDuration *prometheus.HistogramVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in processes and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	tickBuckets := []float64{
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	}

	return &Metrics{
		// Tick scheduler
		TicksProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinarena_ticks_processed_total",
			Help: "Match ticks advanced and persisted",
		}, []string{"status"}),

		TickFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinarena_tick_failures_total",
			Help: "Match ticks skipped due to an error",
		}, []string{"stage"}),

		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "coinarena_tick_duration_seconds",
			Help:    "Time to advance a single match by one tick",
			Buckets: tickBuckets,
		}),

		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "coinarena_cycle_duration_seconds",
			Help:    "Time to process every active match once",
			Buckets: tickBuckets,
		}),

		ActiveMatches: f.NewGauge(prometheus.GaugeOpts{
			Name: "coinarena_active_matches",
			Help: "Matches in the active set at the last cycle",
		}),

		InputsDrained: f.NewCounter(prometheus.CounterOpts{
			Name: "coinarena_inputs_drained_total",
			Help: "Input events drained from match queues",
		}),

		InputsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "coinarena_inputs_dropped_total",
			Help: "Malformed input events dropped",
		}),

		// Broadcast
		SnapshotsBroadcast: f.NewCounter(prometheus.CounterOpts{
			Name: "coinarena_snapshots_broadcast_total",
			Help: "Snapshots handed to the broadcast hub",
		}),

		BroadcastDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "coinarena_broadcast_drops_total",
			Help: "Snapshots dropped for slow subscribers",
		}),

		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "coinarena_subscribers",
			Help: "Connected spectator streams",
		}),

		// Finalization
		Finalizations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinarena_finalizations_total",
			Help: "Finalization attempts by outcome (finalized/duplicate/noop/error)",
		}, []string{"outcome"}),

		SettlementPublishErr: f.NewCounter(prometheus.CounterOpts{
			Name: "coinarena_settlement_publish_errors_total",
			Help: "Settlement trigger publishes that failed",
		}),

		// Settlement
		PayoutExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinarena_payout_executions_total",
			Help: "Payout executor runs by resulting record status",
		}, []string{"status"}),

		PayoutItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinarena_payout_items_total",
			Help: "Payout line items processed by outcome",
		}, []string{"outcome"}),

		PayoutSendRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "coinarena_payout_send_retries_total",
			Help: "Transaction submissions retried after a transient error",
		}),

		PayoutQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "coinarena_payout_queue_depth",
			Help: "Execution requests waiting in the serialized queue",
		}),

		TriggerDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinarena_trigger_duplicates_total",
			Help: "Settlement triggers ignored as duplicates (lru/postgres)",
		}, []string{"tier"}),

		NonceReservations: f.NewCounter(prometheus.CounterOpts{
			Name: "coinarena_nonce_reservations_total",
			Help: "Nonce blocks reserved",
		}),

		NonceLockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "coinarena_nonce_lock_wait_seconds",
			Help:    "Time spent acquiring the treasury nonce lock",
			Buckets: []float64{0.001, 0.005, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
		}),

		NonceLockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "coinarena_nonce_lock_timeouts_total",
			Help: "Nonce lock acquisitions that timed out",
		}),

		ChainCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coinarena_chain_call_duration_seconds",
			Help:    "Chain RPC latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinarena_query_requests_total",
			Help: "Ops API requests",
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coinarena_query_errors_total",
			Help: "Ops API errors",
		}, []string{"endpoint", "code"}),
	}
}

// NewTestMetrics registers against a private registry.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
