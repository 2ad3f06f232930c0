package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drucklogger_messages_received_total",
			Help: "Bus messages delivered to the subscriber, by topic.",
		},
		[]string{"topic"},
	)

	messagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drucklogger_messages_rejected_total",
			Help: "Bus messages dropped by schema validation, by topic.",
		},
		[]string{"topic"},
	)

	messagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drucklogger_messages_failed_total",
			Help: "Bus messages that failed at the persistence layer, by topic.",
		},
		[]string{"topic"},
	)

	measurementsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drucklogger_measurements_persisted_total",
			Help: "Measurement rows written from bus messages.",
		},
	)

	busReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drucklogger_bus_reconnects_total",
			Help: "Reconnections to the message bus.",
		},
	)
)
