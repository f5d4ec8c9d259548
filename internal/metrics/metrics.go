package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the token queue. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	TokensIssued       *prometheus.CounterVec
	CallNext           *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	ConflictRetries    *prometheus.CounterVec
	TokensExpired      prometheus.Counter
	ServiceDuration    prometheus.Histogram
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	StatusCacheLookups *prometheus.CounterVec
}

// New registers all token-service metrics on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokens_issued_total",
			Help: "Tokens issued by source and priority",
		}, []string{"source", "priority"}), // source: "registry", "manual"

		CallNext: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokens_call_next_total",
			Help: "Call-next attempts by outcome",
		}, []string{"outcome"}), // outcome: "called", "empty", "error"

		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokens_transitions_total",
			Help: "Token transitions by action and result",
		}, []string{"action", "result"}),

		ConflictRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tokens_conflict_retries_total",
			Help: "Retries caused by concurrent update conflicts",
		}, []string{"action"}),

		TokensExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "tokens_expired_total",
			Help: "Waiting tokens moved to expired by the sweep",
		}),

		ServiceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokens_service_duration_seconds",
			Help:    "Time from service start (or call) to completion",
			Buckets: []float64{30, 60, 120, 300, 600, 900, 1800, 3600},
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method and status class",
		}, []string{"method", "status"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		StatusCacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_status_cache_lookups_total",
			Help: "Queue status cache lookups by result",
		}, []string{"result"}), // result: "hit", "miss", "error"
	}
}

func (m *Metrics) IncIssued(source, priority string) {
	if m != nil {
		m.TokensIssued.WithLabelValues(source, priority).Inc()
	}
}

func (m *Metrics) IncCallNext(outcome string) {
	if m != nil {
		m.CallNext.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncTransition(action, result string) {
	if m != nil {
		m.Transitions.WithLabelValues(action, result).Inc()
	}
}

func (m *Metrics) IncConflictRetry(action string) {
	if m != nil {
		m.ConflictRetries.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) AddExpired(n int) {
	if m != nil && n > 0 {
		m.TokensExpired.Add(float64(n))
	}
}

func (m *Metrics) ObserveServiceDuration(d time.Duration) {
	if m != nil && d > 0 {
		m.ServiceDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveHTTP(method, status string, d time.Duration) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(method, status).Inc()
		m.HTTPDuration.WithLabelValues(method).Observe(d.Seconds())
	}
}

func (m *Metrics) IncStatusCache(result string) {
	if m != nil {
		m.StatusCacheLookups.WithLabelValues(result).Inc()
	}
}
