// Package metrics holds the Prometheus collectors of the settlement service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "otcsettle"

// ============ Commands ============

// CommandsTotal counts applied commands by operation and result.
var CommandsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "commands_total",
		Help:      "Commands applied by the engine",
	},
	[]string{"op", "result"}, // result: ok, rejected, duplicate, invalid
)

// CommandLatency is the time from dequeue to commit of one command.
var CommandLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "command_latency_ms",
		Help:      "Time to apply and persist a command in milliseconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
	},
	[]string{"op"},
)

// EventsTotal counts committed events by kind.
var EventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "events_total",
		Help:      "Events committed by the engine",
	},
	[]string{"kind"},
)

// ============ Tick ============

// TickItems counts background work done by ticks.
var TickItems = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tick",
		Name:      "items_total",
		Help:      "Items handled by the background tick",
	},
	[]string{"stage", "result"}, // stage: sweep, archive
)

// ArchiveBacklog is the number of orders waiting for archival.
var ArchiveBacklog = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tick",
		Name:      "archive_backlog",
		Help:      "Retired orders past the archive threshold not yet archived",
	},
)

// ============ State ============

// Custodied is the sum of every escrow record.
var Custodied = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "custodied_amount",
		Help:      "Total amount held in escrow records",
	},
)

// LiveOrders is the number of live orders by state.
var LiveOrders = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "live",
		Help:      "Live orders by state",
	},
	[]string{"state"},
)

// PendingCases is the number of undecided dispute cases.
var PendingCases = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "arbitration",
		Name:      "pending_cases",
		Help:      "Dispute cases awaiting a decision",
	},
)

// ============ Infrastructure ============

// PersistFailures counts batches the store refused.
var PersistFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "persist_failures_total",
		Help:      "Engine batches that failed to persist and were discarded",
	},
)

// FanoutFailures counts failed post-commit deliveries by sink.
var FanoutFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fanout",
		Name:      "failures_total",
		Help:      "Post-commit deliveries that failed",
	},
	[]string{"sink"}, // stream, pubsub, cache, notify
)

// ArchiveExported counts records uploaded to cold storage.
var ArchiveExported = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archive",
		Name:      "exported_total",
		Help:      "Archived records uploaded to object storage",
	},
)

// ============ API ============

// HTTPRequests counts API requests by route pattern and status code.
var HTTPRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests served",
	},
	[]string{"method", "route", "status"},
)

// WSClients is the number of connected websocket clients.
var WSClients = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "ws_clients",
		Help:      "Connected websocket clients",
	},
)

// ObserveSince records the elapsed milliseconds since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(float64(time.Since(start).Microseconds()) / 1000)
}
