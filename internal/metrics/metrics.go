// Package metrics implements the Heartbeat/Metrics component: it exposes
// Prometheus gauges/counters for the running bot's internal state and
// periodically logs a condensed heartbeat line, mirroring the size/state
// summaries every other long-running loop in this bot logs on its own
// ticker.
package metrics

import (
	"context"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"liquidationbot/internal/attempts"
	"liquidationbot/internal/pricemath"
)

// RiskSetSource is the subset of internal/riskset.Set metrics reads.
type RiskSetSource interface {
	Len() int
	MinActionableHF() float64
}

// PriceCounterSource is the subset of internal/pricemath.Resolver
// metrics reads.
type PriceCounterSource interface {
	Counters() map[pricemath.Source]uint64
}

// LedgerSource is the subset of internal/attempts.Ledger metrics reads.
type LedgerSource interface {
	StatusCounts() map[attempts.Status]int
}

// Collector registers and periodically refreshes the bot's Prometheus
// gauges/counters from its live components.
type Collector struct {
	riskSet RiskSetSource
	prices  PriceCounterSource
	ledger  LedgerSource
	log     zerolog.Logger

	riskSetSize   prometheus.Gauge
	minHF         prometheus.Gauge
	priceSource   *prometheus.CounterVec
	attemptStatus *prometheus.GaugeVec
	skipped       prometheus.Counter

	lastPriceCounts map[pricemath.Source]uint64
}

// New registers every metric against reg (pass prometheus.DefaultRegisterer
// for the global registry, or a fresh *prometheus.Registry in tests).
func New(reg prometheus.Registerer, riskSet RiskSetSource, prices PriceCounterSource, ledger LedgerSource, log zerolog.Logger) *Collector {
	f := promauto.With(reg)
	return &Collector{
		riskSet: riskSet,
		prices:  prices,
		ledger:  ledger,
		log:     log,

		lastPriceCounts: make(map[pricemath.Source]uint64),

		riskSetSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "liquidationbot",
			Name:      "risk_set_size",
			Help:      "Number of users currently tracked in the active risk set.",
		}),
		minHF: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "liquidationbot",
			Name:      "min_actionable_health_factor",
			Help:      "Lowest health factor currently tracked across the risk set.",
		}),
		priceSource: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "liquidationbot",
			Name:      "price_resolutions_total",
			Help:      "Price resolutions by source (cache, stream, feed, composite).",
		}, []string{"source"}),
		attemptStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "liquidationbot",
			Name:      "attempt_status_count",
			Help:      "Count of tracked attempt records by terminal/in-flight status.",
		}, []string{"status"}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "liquidationbot",
			Name:      "verifier_skipped_total",
			Help:      "Candidates skipped by the verifier loop because an attempt was already pending.",
		}),
	}
}

// AddSkipped increments the verifier-skip counter by n.
func (c *Collector) AddSkipped(n uint64) {
	c.skipped.Add(float64(n))
}

// Run refreshes every gauge and logs a heartbeat line on each tick until
// ctx is canceled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Collector) tick() {
	size := c.riskSet.Len()
	minHF := c.riskSet.MinActionableHF()
	c.riskSetSize.Set(float64(size))
	c.minHF.Set(minHF)

	for source, count := range c.prices.Counters() {
		if count > c.lastPriceCounts[source] {
			c.priceSource.WithLabelValues(source.String()).Add(float64(count - c.lastPriceCounts[source]))
		}
		c.lastPriceCounts[source] = count
	}

	counts := c.ledger.StatusCounts()
	for status, count := range counts {
		c.attemptStatus.WithLabelValues(string(status)).Set(float64(count))
	}

	ev := c.log.Info().Int("risk_set_size", size)
	if !math.IsInf(minHF, 1) {
		ev = ev.Float64("min_actionable_hf", minHF)
	}
	ev.Msg("heartbeat")
}
