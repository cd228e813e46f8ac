package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/daimoniac/bountyline/internal/statestore"
)

var (
	storeCollectorOnce     sync.Once
	storeCollectorInstance *StoreCollector
)

// StatsSource is the part of the state store the collector reads
type StatsSource interface {
	Stats(ctx context.Context) (*statestore.Stats, error)
}

// StoreCollector reads aggregate counts from the state store when /metrics is scraped
type StoreCollector struct {
	source  StatsSource
	logger  *slog.Logger
	timeout time.Duration

	candidatesDesc     *prometheus.Desc
	findingsDesc       *prometheus.Desc
	awaitingReviewDesc *prometheus.Desc
	patternsDesc       *prometheus.Desc
}

// NewStoreCollector creates a new state store metrics collector
func NewStoreCollector(source StatsSource, logger *slog.Logger) *StoreCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreCollector{
		source:  source,
		logger:  logger,
		timeout: 2 * time.Second,
		candidatesDesc: prometheus.NewDesc(
			"bountyline_candidates",
			"Current number of candidates by status",
			[]string{"status"},
			nil,
		),
		findingsDesc: prometheus.NewDesc(
			"bountyline_findings",
			"Current number of findings by status",
			[]string{"status"},
			nil,
		),
		awaitingReviewDesc: prometheus.NewDesc(
			"bountyline_findings_awaiting_review",
			"Findings flagged for human review and not yet reviewed",
			nil,
			nil,
		),
		patternsDesc: prometheus.NewDesc(
			"bountyline_vulnerability_patterns",
			"Number of entries in the vulnerability pattern catalog",
			nil,
			nil,
		),
	}
}

// RegisterStoreCollector registers the store collector exactly once
func RegisterStoreCollector(source StatsSource, logger *slog.Logger) {
	storeCollectorOnce.Do(func() {
		storeCollectorInstance = NewStoreCollector(source, logger)
		prometheus.MustRegister(storeCollectorInstance)
		storeCollectorInstance.logger.Info("state store metrics collector registered")
	})
}

// Describe sends the metric descriptors to the provided channel
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.candidatesDesc
	ch <- c.findingsDesc
	ch <- c.awaitingReviewDesc
	ch <- c.patternsDesc
}

// Collect queries the store and emits gauges
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.source.Stats(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.logger.Debug("store metric collection timed out (likely database locked)", "error", err)
		} else {
			c.logger.Error("failed to collect store metrics", "error", err)
		}
		return
	}

	for status, n := range stats.CandidatesByStatus {
		ch <- prometheus.MustNewConstMetric(c.candidatesDesc, prometheus.GaugeValue, float64(n), string(status))
	}
	for status, n := range stats.FindingsByStatus {
		ch <- prometheus.MustNewConstMetric(c.findingsDesc, prometheus.GaugeValue, float64(n), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.awaitingReviewDesc, prometheus.GaugeValue, float64(stats.AwaitingReview))
	ch <- prometheus.MustNewConstMetric(c.patternsDesc, prometheus.GaugeValue, float64(stats.Patterns))
}
