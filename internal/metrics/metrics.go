// Package metrics registers the bridge's Prometheus collectors. The
// counters live on the default registry and are served by the API
// server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesReceived counts every MQTT message delivered to a broker
	// connection, position or not.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshtrail_mqtt_messages_received_total",
		Help: "MQTT messages received, by broker config name.",
	}, []string{"broker"})

	// PositionsDecoded counts messages that decoded to a position
	// report, by wire encoding.
	PositionsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshtrail_positions_decoded_total",
		Help: "Messages that decoded to a position report, by encoding.",
	}, []string{"broker", "encoding"})

	// PositionsSuppressed counts positions dropped by the dedup filter.
	PositionsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshtrail_positions_suppressed_total",
		Help: "Positions suppressed as redundant by the dedup filter.",
	}, []string{"broker"})

	// PositionsStored counts positions durably written to the store.
	PositionsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshtrail_positions_stored_total",
		Help: "Positions written to the store.",
	}, []string{"broker"})

	// StoreErrors counts failed position inserts (validation or I/O).
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshtrail_store_errors_total",
		Help: "Failed position inserts.",
	}, []string{"broker"})

	// ActiveConnections tracks the size of the supervisor's active
	// connection set.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshtrail_active_connections",
		Help: "Live MQTT broker connections.",
	})
)
