package lobby

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	membersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tablesync",
			Subsystem: "lobby",
			Name:      "members",
			Help:      "Connected lobby members.",
		},
	)
	lobbiesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tablesync",
			Subsystem: "lobby",
			Name:      "lobbies",
			Help:      "Open lobbies.",
		},
	)
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tablesync",
			Subsystem: "lobby",
			Name:      "messages_total",
			Help:      "Messages handled by the lobby service, by type.",
		},
		[]string{"type"},
	)
)

// messageLabel bounds the type label to the known message types.
func messageLabel(t Type) string {
	switch t {
	case TypeWelcome, TypeCreate, TypeJoin, TypeLeave, TypeLobby,
		TypeMemberJoined, TypeMemberLeft, TypeSignal, TypeInvite, TypeError:
		return string(t)
	}
	return "unknown"
}

// RegisterMetrics adds the lobby collectors to the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(membersGauge, lobbiesGauge, messagesTotal)
	})
}
