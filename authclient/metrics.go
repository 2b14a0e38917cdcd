package authclient

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	refreshes *prometheus.CounterVec
	queued    prometheus.Counter
	responses *prometheus.CounterVec
}

// NewMetrics creates the pipeline collectors and registers them on reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lms_client",
			Name:      "token_refreshes_total",
			Help:      "Forced access token refreshes by result.",
		}, []string{"result"}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lms_client",
			Name:      "refresh_queued_requests_total",
			Help:      "Requests that waited on an in-flight token refresh.",
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lms_client",
			Name:      "responses_total",
			Help:      "Completed requests by outcome class.",
		}, []string{"class"}),
	}

	if reg != nil {
		reg.MustRegister(m.refreshes, m.queued, m.responses)
	}
	return m
}

func (m *Metrics) observeRefresh(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) observeQueued() {
	if m == nil {
		return
	}
	m.queued.Inc()
}

func (m *Metrics) observeResponse(class string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(class).Inc()
}

// responseClass buckets a status code for the responses_total counter.
func responseClass(code int) string {
	switch {
	case code < 400:
		return "ok"
	case code == 401:
		return "unauthorized"
	case code == 403:
		return "forbidden"
	case code == 429:
		return "rate_limited"
	case code >= 500:
		return "server_error"
	default:
		return "client_error"
	}
}
