// Package metrics exposes the ambient Prometheus counters/gauges described
// as a side channel: nothing here is part of the control protocol itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every metric the server publishes so cmd/renode-ws-proxy
// can wire one /metrics handler without reaching for prometheus globals.
type Registry struct {
	Reg *prometheus.Registry

	ActiveControlConnections prometheus.Gauge
	ActiveTCPBridges         prometheus.Gauge
	ActiveStreamBridges      prometheus.Gauge
	EmulatorSpawnsTotal      prometheus.Counter
	EmulatorKillsTotal       prometheus.Counter
	ActionLatencySeconds     *prometheus.HistogramVec
}

// New registers every metric against a fresh prometheus.Registry, so tests
// never collide with the process-wide default registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		Reg: reg,
		ActiveControlConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "renode_ws_proxy",
			Name:      "active_control_connections",
			Help:      "Number of open control WebSocket connections.",
		}),
		ActiveTCPBridges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "renode_ws_proxy",
			Name:      "active_tcp_bridges",
			Help:      "Number of open TCP bridge bindings.",
		}),
		ActiveStreamBridges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "renode_ws_proxy",
			Name:      "active_stream_bridges",
			Help:      "Number of open stream bridge bindings.",
		}),
		EmulatorSpawnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "renode_ws_proxy",
			Name:      "emulator_spawns_total",
			Help:      "Total number of successful emulator spawns.",
		}),
		EmulatorKillsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "renode_ws_proxy",
			Name:      "emulator_kills_total",
			Help:      "Total number of emulator kill attempts, successful or not.",
		}),
		ActionLatencySeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "renode_ws_proxy",
			Name:      "action_latency_seconds",
			Help:      "Control action dispatch latency by action name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}
}
