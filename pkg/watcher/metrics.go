package watcher

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Ticks          prometheus.Counter
	TicksSkipped   prometheus.Counter
	RateReadFailed prometheus.Counter
	Executions     *prometheus.CounterVec
	Approvals      prometheus.Counter
	TickDuration   prometheus.Histogram
	PendingOrders  prometheus.Gauge
	Rate           *prometheus.GaugeVec
	InFlightOrders prometheus.Gauge
	UserCancels    prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics registers the watcher collectors with the default registry once.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			Ticks: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "limitwatch",
				Subsystem: "watcher",
				Name:      "ticks_total",
				Help:      "Ticks that ran to completion or were abandoned",
			}),
			TicksSkipped: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "limitwatch",
				Subsystem: "watcher",
				Name:      "ticks_skipped_total",
				Help:      "Ticks skipped because the previous tick was still running",
			}),
			RateReadFailed: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "limitwatch",
				Subsystem: "watcher",
				Name:      "rate_read_failures_total",
				Help:      "Ticks abandoned because the pool rate could not be read",
			}),
			Executions: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "limitwatch",
				Subsystem: "watcher",
				Name:      "executions_total",
				Help:      "Order execution attempts by direction and outcome",
			}, []string{"direction", "outcome"}),
			Approvals: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "limitwatch",
				Subsystem: "watcher",
				Name:      "approvals_total",
				Help:      "Approve transactions submitted before a swap",
			}),
			TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Namespace: "limitwatch",
				Subsystem: "watcher",
				Name:      "tick_duration_seconds",
				Help:      "Wall time of a tick including executions",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			}),
			PendingOrders: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "limitwatch",
				Subsystem: "watcher",
				Name:      "pending_orders",
				Help:      "Pending orders seen by the last tick",
			}),
			Rate: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "limitwatch",
				Subsystem: "watcher",
				Name:      "rate",
				Help:      "Last observed pool rate (output per input)",
			}, []string{"direction"}),
			InFlightOrders: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "limitwatch",
				Subsystem: "watcher",
				Name:      "in_flight_orders",
				Help:      "Orders currently being executed",
			}),
			UserCancels: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "limitwatch",
				Subsystem: "watcher",
				Name:      "user_cancels_total",
				Help:      "Orders cancelled on request",
			}),
		}
	})
	return metrics
}
