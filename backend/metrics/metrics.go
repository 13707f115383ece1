package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connected_users",
		Help: "The number of users with an open signaling connection",
	})

	MessagesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_forwarded_total",
		Help: "The total number of signaling messages delivered to a peer",
	}, []string{"type"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_dropped_total",
		Help: "The total number of signaling messages that could not be delivered",
	}, []string{"type"})

	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_evicted_total",
		Help: "Total number of signaling sessions replaced by a newer one for the same user",
	})
)
