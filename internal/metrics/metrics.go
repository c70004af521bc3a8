// Package metrics exposes latticed's Prometheus metrics, the same
// package-level-vars-plus-init()-registration shape the teacher's
// metrics.go uses, retargeted from price-tick fan-out counters to
// connection/topic/lattice/replication ones.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latticed_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latticed_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latticed_connections_max",
		Help: "Maximum allowed WebSocket connections",
	})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latticed_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	MessagesPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latticed_messages_published_total",
		Help: "Total number of Publish actions applied",
	})

	LatticeMergesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latticed_lattice_merges_total",
		Help: "Total number of lattice deltas merged",
	})

	ChannelDropsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latticed_channel_drops_total",
		Help: "Total connection channel sends dropped by high-water mark",
	}, []string{"reason"})

	ReplicationLinksActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latticed_replication_links_active",
		Help: "Current number of connected replication peer links",
	})

	ReplicationEnvelopesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latticed_replication_envelopes_sent_total",
		Help: "Total replication envelopes sent to peers",
	})

	ReplicationEnvelopesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latticed_replication_envelopes_dropped_total",
		Help: "Total replication envelopes dropped (peer overloaded or queue full)",
	})

	KafkaMessagesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latticed_kafka_messages_received_total",
		Help: "Total number of records received from the Kafka ingress bridge",
	})

	KafkaMessagesDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latticed_kafka_messages_dropped_total",
		Help: "Total number of Kafka records dropped before reaching a Processor",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latticed_memory_bytes",
		Help: "Current memory usage in bytes",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latticed_cpu_usage_percent",
		Help: "Current host CPU usage percentage",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latticed_goroutines_active",
		Help: "Current number of active goroutines",
	})

	CapacityRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latticed_capacity_rejections_total",
		Help: "Total connection rejections by reason",
	}, []string{"reason"})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latticed_errors_total",
		Help: "Total errors by component and severity",
	}, []string{"component", "severity"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsMax,
		DisconnectsTotal,
		MessagesPublishedTotal,
		LatticeMergesTotal,
		ChannelDropsTotal,
		ReplicationLinksActive,
		ReplicationEnvelopesSentTotal,
		ReplicationEnvelopesDroppedTotal,
		KafkaMessagesReceivedTotal,
		KafkaMessagesDroppedTotal,
		MemoryUsageBytes,
		CPUUsagePercent,
		GoroutinesActive,
		CapacityRejectionsTotal,
		ErrorsTotal,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
