package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "promptq_relay_connections_total",
		Help: "Total number of relay connections accepted",
	})
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "promptq_relay_active_connections",
		Help: "Number of currently open relay connections",
	})
	FragmentsRelayedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "promptq_relay_fragments_relayed_total",
		Help: "Total number of messages forwarded from broker to transport",
	})
)

func init() {
	prometheus.MustRegister(ConnectionsTotal, ActiveConnections, FragmentsRelayedTotal)
}
