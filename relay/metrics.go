package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	writes    *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	delivered prometheus.Counter
	tools     *prometheus.CounterVec
}

// newMetrics registers the relay collectors on reg. Each Server owns its
// registry so several can coexist in one process.
func newMetrics(reg prometheus.Registerer, hub *Hub) *metrics {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "boardsync",
		Subsystem: "relay",
		Name:      "subscribers",
		Help:      "Live websocket subscribers across rooms",
	}, func() float64 { return float64(hub.Total()) })

	return &metrics{
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Subsystem: "relay",
			Name:      "writes_total",
			Help:      "Accepted document writes",
		}, []string{"room"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Subsystem: "relay",
			Name:      "rejected_total",
			Help:      "Rejected document writes by reason",
		}, []string{"reason"}),
		delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "boardsync",
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Documents queued to live subscribers",
		}),
		tools: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync",
			Subsystem: "relay",
			Name:      "tool_calls_total",
			Help:      "MCP tool calls by tool and outcome",
		}, []string{"tool", "outcome"}),
	}
}
