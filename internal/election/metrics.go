package election

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespaceLabel = "namespace"

// Metrics holds election metrics keyed by election namespace. A nil *Metrics
// records nothing.
type Metrics struct {
	isLeader           *prometheus.GaugeVec
	evaluations        *prometheus.CounterVec
	roleChanges        *prometheus.CounterVec
	staleNotifications *prometheus.CounterVec
	sessionLosses      *prometheus.CounterVec
}

// NewMetrics creates the election metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		isLeader: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "election",
			Name:      "is_leader",
			Help:      "Whether this process currently leads the election.",
		}, []string{namespaceLabel}),
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "election",
			Name:      "evaluations_total",
			Help:      "Election evaluations by outcome.",
		}, []string{namespaceLabel, "outcome"}),
		roleChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "election",
			Name:      "role_changes_total",
			Help:      "Transitions between leader and follower.",
		}, []string{namespaceLabel}),
		staleNotifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "election",
			Name:      "stale_notifications_total",
			Help:      "Watch notifications discarded because a newer evaluation superseded them.",
		}, []string{namespaceLabel}),
		sessionLosses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "election",
			Name:      "session_losses_total",
			Help:      "Coordination sessions lost while participating.",
		}, []string{namespaceLabel}),
	}
}

// Evaluation outcomes.
const (
	outcomeLeader       = "leader"
	outcomeFollower     = "follower"
	outcomeDeferred     = "deferred"
	outcomeInconsistent = "inconsistent"
	outcomeFailed       = "failed"
)

func (m *Metrics) evaluated(ns, outcome string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(ns, outcome).Inc()
}

func (m *Metrics) roleChanged(ns string, r Role) {
	if m == nil {
		return
	}
	m.roleChanges.WithLabelValues(ns).Inc()
	v := 0.0
	if r == Leader {
		v = 1
	}
	m.isLeader.WithLabelValues(ns).Set(v)
}

func (m *Metrics) staleNotification(ns string) {
	if m == nil {
		return
	}
	m.staleNotifications.WithLabelValues(ns).Inc()
}

func (m *Metrics) sessionLost(ns string) {
	if m == nil {
		return
	}
	m.sessionLosses.WithLabelValues(ns).Inc()
}
