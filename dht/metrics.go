package dht

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts protocol activity. A Metrics created with a nil registerer
// still counts but is not exported.
type Metrics struct {
	PacketsReceived *prometheus.CounterVec
	PacketsSent     *prometheus.CounterVec
	PacketsDropped  *prometheus.CounterVec
	RoutesForwarded prometheus.Counter
	RoutesDelivered prometheus.Counter
	PeersDiscovered prometheus.Counter
}

// NewMetrics creates the protocol collectors and registers them with reg.
// When table is non-nil a gauge reporting its size is registered as well.
func NewMetrics(reg prometheus.Registerer, table *RoutingTable) *Metrics {
	m := &Metrics{
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supernet",
			Name:      "packets_received_total",
			Help:      "Datagrams received, by packet type.",
		}, []string{"type"}),
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supernet",
			Name:      "packets_sent_total",
			Help:      "Datagrams sent, by packet type.",
		}, []string{"type"}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "supernet",
			Name:      "packets_dropped_total",
			Help:      "Datagrams dropped, by reason.",
		}, []string{"reason"}),
		RoutesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "supernet",
			Name:      "routes_forwarded_total",
			Help:      "ROUTE messages forwarded to a next hop.",
		}),
		RoutesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "supernet",
			Name:      "routes_delivered_total",
			Help:      "ROUTE payloads delivered to the local application.",
		}),
		PeersDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "supernet",
			Name:      "peers_discovered_total",
			Help:      "Peers newly inserted into the routing table.",
		}),
	}

	if reg == nil {
		return m
	}

	reg.MustRegister(
		m.PacketsReceived,
		m.PacketsSent,
		m.PacketsDropped,
		m.RoutesForwarded,
		m.RoutesDelivered,
		m.PeersDiscovered,
	)
	if table != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "supernet",
			Name:      "routing_table_peers",
			Help:      "Peers currently stored in the routing table.",
		}, func() float64 {
			return float64(table.Size())
		}))
	}

	return m
}

// Drop reasons.
const (
	dropMalformed      = "malformed"
	dropRouteExhausted = "route_exhausted"
	dropBadSource      = "bad_source"
	dropReserved       = "reserved"
)
