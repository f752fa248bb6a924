package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *metrics
	metricsOnce   sync.Once
)

type metrics struct {
	Published *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	Observers *prometheus.GaugeVec
}

// Metrics:
//   - faultline_relay_messages_published_total{transport,type}
//   - faultline_relay_messages_dropped_total{transport,reason}
//   - faultline_relay_observers{transport}
func newMetrics() *metrics {
	metricsOnce.Do(func() {
		globalMetrics = &metrics{
			Published: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "faultline_relay_messages_published_total",
					Help: "Messages handed to the relay transport",
				},
				[]string{"transport", "type"},
			),
			Dropped: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "faultline_relay_messages_dropped_total",
					Help: "Messages the relay could not deliver",
				},
				[]string{"transport", "reason"}, // "inbox_full", "observer_full", "closed", "publish", "decode"
			),
			Observers: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "faultline_relay_observers",
					Help: "Currently subscribed state observers",
				},
				[]string{"transport"},
			),
		}
	})
	return globalMetrics
}
