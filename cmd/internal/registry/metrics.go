package registry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the registry's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	upserts *prometheus.CounterVec
	users   prometheus.Gauge
}

// NewMetrics builds and registers registry collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		upserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dstake",
			Subsystem: "registry",
			Name:      "upserts_total",
			Help:      "Upserts applied to the registry, by result (created, replaced, error).",
		}, []string{"result"}),
		users: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dstake",
			Subsystem: "registry",
			Name:      "users",
			Help:      "Number of users currently stored in the registry.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.upserts, m.users} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeUpsert(replaced bool, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.upserts.WithLabelValues("error").Inc()
	case replaced:
		m.upserts.WithLabelValues("replaced").Inc()
	default:
		m.upserts.WithLabelValues("created").Inc()
		m.users.Inc()
	}
}

func (m *Metrics) setUsers(n int) {
	if m == nil {
		return
	}
	m.users.Set(float64(n))
}
