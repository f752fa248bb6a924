package aggregator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the aggregator.
type Metrics struct {
	AcceptedTotal    *prometheus.CounterVec
	EvictedTotal     prometheus.Counter
	InvalidatedTotal prometheus.Counter
	DroppedTotal     *prometheus.CounterVec
	BufferSize       prometheus.Gauge
}

// NewMetrics registers the aggregator metrics once per process.
//
// Metrics:
//   - faultline_aggregator_signals_accepted_total{kind,severity}
//   - faultline_aggregator_signals_evicted_total
//   - faultline_aggregator_signals_invalidated_total
//   - faultline_aggregator_signals_dropped_total{reason}
//   - faultline_aggregator_buffer_size
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			AcceptedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "faultline_aggregator_signals_accepted_total",
					Help: "Signals accepted into the buffer",
				},
				[]string{"kind", "severity"},
			),
			EvictedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "faultline_aggregator_signals_evicted_total",
				Help: "Signals evicted because the buffer was full",
			}),
			InvalidatedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "faultline_aggregator_signals_invalidated_total",
				Help: "Signals removed by tab invalidation",
			}),
			DroppedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "faultline_aggregator_signals_dropped_total",
					Help: "Inbound events the aggregator refused",
				},
				[]string{"reason"}, // "invalid", "duplicate", "stale_navigation"
			),
			BufferSize: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "faultline_aggregator_buffer_size",
				Help: "Signals currently buffered",
			}),
		}
	})
	return globalMetrics
}
