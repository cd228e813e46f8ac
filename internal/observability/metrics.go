package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Ingestion metrics
	CandidatesDiscovered *prometheus.CounterVec
	CandidatesProcessed  *prometheus.CounterVec
	SourcePollErrors     *prometheus.CounterVec

	// Gate metrics
	GateDecisions *prometheus.CounterVec
	GateDuration  prometheus.Histogram

	// Queue metrics
	QueueDepth    prometheus.Gauge
	QueueEnqueued prometheus.Counter
	QueueDequeued prometheus.Counter
	QueueRemoved  prometheus.Counter

	// Oracle metrics
	OracleRequests      *prometheus.CounterVec
	OracleDuration      *prometheus.HistogramVec
	CircuitBreakerState *prometheus.GaugeVec

	// Finding metrics
	StageOutcomes     *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	PrefilterSelected prometheus.Histogram

	// Codebase context metrics
	CodebaseContextBuilds *prometheus.CounterVec

	// Worker metrics
	WorkerCandidatesProcessed *prometheus.CounterVec
	WorkerErrors              prometheus.Counter
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			CandidatesDiscovered: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bountyline_candidates_discovered_total",
					Help: "Total number of candidates returned by sources",
				},
				[]string{"source"},
			),
			CandidatesProcessed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bountyline_candidates_processed_total",
					Help: "Total number of candidates processed by the coordinator by outcome",
				},
				[]string{"outcome"}, // enqueued, duplicate, below_threshold, rejected, error
			),
			SourcePollErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bountyline_source_poll_errors_total",
					Help: "Total number of failed source polls",
				},
				[]string{"source"},
			),

			GateDecisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bountyline_gate_decisions_total",
					Help: "Total number of gate decisions",
				},
				[]string{"decision", "reason"},
			),
			GateDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "bountyline_gate_duration_seconds",
				Help:    "Duration of gate decisions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2min
			}),

			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "bountyline_queue_depth",
				Help: "Current number of candidates in the triage queue",
			}),
			QueueEnqueued: promauto.NewCounter(prometheus.CounterOpts{
				Name: "bountyline_queue_enqueued_total",
				Help: "Total number of candidates enqueued",
			}),
			QueueDequeued: promauto.NewCounter(prometheus.CounterOpts{
				Name: "bountyline_queue_dequeued_total",
				Help: "Total number of candidates dequeued",
			}),
			QueueRemoved: promauto.NewCounter(prometheus.CounterOpts{
				Name: "bountyline_queue_removed_total",
				Help: "Total number of candidates removed from the queue without processing",
			}),

			OracleRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bountyline_oracle_requests_total",
					Help: "Total number of oracle requests by provider and result",
				},
				[]string{"provider", "result"},
			),
			OracleDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "bountyline_oracle_duration_seconds",
					Help:    "Duration of oracle requests in seconds",
					Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
				},
				[]string{"provider"},
			),
			CircuitBreakerState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "bountyline_circuit_breaker_state",
					Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
				},
				[]string{"name"},
			),

			StageOutcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bountyline_finding_stage_outcomes_total",
					Help: "Total number of finding stage outcomes",
				},
				[]string{"stage", "outcome"},
			),
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "bountyline_finding_stage_duration_seconds",
					Help:    "Duration of finding stages in seconds",
					Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
				},
				[]string{"stage"},
			),
			PrefilterSelected: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "bountyline_prefilter_selected_patterns",
				Help:    "Number of catalog patterns selected by the commit pre-filter",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
			}),

			CodebaseContextBuilds: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bountyline_codebase_context_builds_total",
					Help: "Total number of codebase context builds by result",
				},
				[]string{"result"}, // built, cached, failed
			),

			WorkerCandidatesProcessed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bountyline_worker_candidates_processed_total",
					Help: "Total number of candidates processed by workers by final state",
				},
				[]string{"result"},
			),
			WorkerErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "bountyline_worker_errors_total",
				Help: "Total number of worker errors",
			}),
		}
	})
	return metricsInstance
}
