package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the engine collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessionsOpened prometheus.Counter
	sessionsClosed *prometheus.CounterVec
	scans          *prometheus.CounterVec
	spoofWarnings  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qrsession",
			Name:      "sessions_opened_total",
			Help:      "Attendance sessions opened.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qrsession",
			Name:      "sessions_closed_total",
			Help:      "Attendance sessions deactivated, by reason.",
		}, []string{"reason"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qrsession",
			Name:      "scans_total",
			Help:      "Scan attempts, by result.",
		}, []string{"result"}),
		spoofWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qrsession",
			Name:      "spoof_warnings_total",
			Help:      "Accepted scans flagged by the spoofing heuristics.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sessionsOpened, m.sessionsClosed, m.scans, m.spoofWarnings)
	}
	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
}

// SessionsClosed counts n deactivations; reason is "closed" or "expired".
func (m *Metrics) SessionsClosed(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) Scan(result string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(result).Inc()
}

func (m *Metrics) SpoofWarning() {
	if m == nil {
		return
	}
	m.spoofWarnings.Inc()
}
