package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts auth and admission outcomes.
type Metrics struct {
	Logins        *prometheus.CounterVec
	Refreshes     *prometheus.CounterVec
	ReuseDetected prometheus.Counter
	RateLimited   *prometheus.CounterVec
	Registrations *prometheus.CounterVec
}

// NewMetrics registers the counters on reg and returns them. Pass a fresh
// registry in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_refreshes_total",
			Help: "Refresh attempts by result.",
		}, []string{"result"}),
		ReuseDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_refresh_reuse_detected_total",
			Help: "Presentations of an already-revoked refresh token.",
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Requests rejected by the rate limiter, by route.",
		}, []string{"route"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_registrations_total",
			Help: "Registration attempts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.Logins, m.Refreshes, m.ReuseDetected, m.RateLimited, m.Registrations)
	return m
}
