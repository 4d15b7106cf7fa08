// internal/metrics/collector.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Collector manages the trading metrics set.
type Collector struct{}

// NewCollector registers the metric set and returns the collector.
// Register once per process.
func NewCollector() *Collector {
	prometheus.MustRegister(
		cycleCounter,
		cycleDuration,
		openPositions,
		rejectionCounter,
		closeCounter,
		accountCash,
		accountValue,
	)
	return &Collector{}
}

// RecordCycle records one agent cycle and its duration.
func (c *Collector) RecordCycle(kind string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	cycleCounter.WithLabelValues(kind, status).Inc()
	cycleDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetOpenPositions tracks the number of open positions per agent.
func (c *Collector) SetOpenPositions(kind string, n int) {
	openPositions.WithLabelValues(kind).Set(float64(n))
}

// RecordRejection counts an open rejected by a risk check.
func (c *Collector) RecordRejection(kind, check string) {
	rejectionCounter.WithLabelValues(kind, check).Inc()
}

// RecordClose counts a realized close as a win or a loss.
func (c *Collector) RecordClose(kind string, pnl decimal.Decimal) {
	result := "win"
	if pnl.IsNegative() {
		result = "loss"
	}
	closeCounter.WithLabelValues(kind, result).Inc()
}

// SetAccount publishes the latest account summary.
func (c *Collector) SetAccount(kind string, cash, value decimal.Decimal) {
	f, _ := cash.Float64()
	accountCash.WithLabelValues(kind).Set(f)
	f, _ = value.Float64()
	accountValue.WithLabelValues(kind).Set(f)
}

var (
	cycleCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perpbot",
			Name:      "cycles_total",
			Help:      "Total number of agent trading cycles",
		},
		[]string{"kind", "status"},
	)

	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "perpbot",
			Name:      "cycle_duration_seconds",
			Help:      "Agent cycle duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"kind"},
	)

	openPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "perpbot",
			Name:      "open_positions",
			Help:      "Number of currently open positions",
		},
		[]string{"kind"},
	)

	rejectionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perpbot",
			Name:      "rejections_total",
			Help:      "Opens rejected by risk checks",
		},
		[]string{"kind", "check"},
	)

	closeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perpbot",
			Name:      "closes_total",
			Help:      "Closed positions by realized result",
		},
		[]string{"kind", "result"},
	)

	accountCash = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "perpbot",
			Name:      "account_available_cash_usd",
			Help:      "Available cash per agent account",
		},
		[]string{"kind"},
	)

	accountValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "perpbot",
			Name:      "account_value_usd",
			Help:      "Total account value per agent account",
		},
		[]string{"kind"},
	)
)
