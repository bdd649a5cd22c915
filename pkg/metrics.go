package groot

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts protocol traffic of one node.
type Metrics struct {
	PacketsReceived *prometheus.CounterVec
	PacketsSent     *prometheus.CounterVec
	PacketsDropped  *prometheus.CounterVec
	Deliveries      prometheus.Counter
	Aggregates      prometheus.Counter
	ParentsLost     prometheus.Counter
	Queries         prometheus.Gauge
}

func NewMetrics(node Address, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node": node.String()}
	m := &Metrics{
		PacketsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "groot",
				Subsystem:   "packets",
				Name:        "received_total",
				Help:        "Packets accepted for dispatch, by message type",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		PacketsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "groot",
				Subsystem:   "packets",
				Name:        "sent_total",
				Help:        "Packets handed to the transport, by message type",
				ConstLabels: labels,
			},
			[]string{"type"},
		),
		PacketsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   "groot",
				Subsystem:   "packets",
				Name:        "dropped_total",
				Help:        "Packets dropped, by reason",
				ConstLabels: labels,
			},
			[]string{"reason"},
		),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "groot",
			Subsystem:   "sink",
			Name:        "deliveries_total",
			Help:        "Publishes delivered to the local application",
			ConstLabels: labels,
		}),
		Aggregates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "groot",
			Subsystem:   "aggregation",
			Name:        "published_total",
			Help:        "Aggregated readings sent toward the sink",
			ConstLabels: labels,
		}),
		ParentsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "groot",
			Subsystem:   "tree",
			Name:        "parents_lost_total",
			Help:        "Queries orphaned because the parent went silent",
			ConstLabels: labels,
		}),
		Queries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "groot",
			Subsystem:   "registry",
			Name:        "queries",
			Help:        "Queries currently held in the registry",
			ConstLabels: labels,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PacketsReceived,
			m.PacketsSent,
			m.PacketsDropped,
			m.Deliveries,
			m.Aggregates,
			m.ParentsLost,
			m.Queries,
		)
	}

	return m
}
