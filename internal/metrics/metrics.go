// Package metrics provides Prometheus metrics for the token lifecycle.
//
// Metrics live on a dedicated registry rather than the global default one,
// so embedding tokenward into another program does not collide with the
// host's collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokenward"

// Result labels for metrics.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	// ResultRevoked marks a refresh the identity provider rejected.
	ResultRevoked = "revoked"
)

// Registry holds every tokenward collector.
var Registry = prometheus.NewRegistry()

var (
	// RefreshTotal counts refresh-token grants sent to the token endpoint.
	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Total number of token refreshes performed against the identity provider",
		},
		[]string{"result"},
	)

	// RefreshDuration observes how long refresh grants take.
	RefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of refresh-token grants",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// RefreshSharedTotal counts callers that joined an in-flight refresh
	// instead of starting their own.
	RefreshSharedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_shared_total",
			Help:      "Total number of callers that shared an in-flight refresh",
		},
	)

	// AuthRetriesTotal counts requests replayed after an upstream 401.
	AuthRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_retries_total",
			Help:      "Total number of requests retried after a 401 response",
		},
	)

	// ForcedLogoutTotal counts sessions cleared because refresh was rejected.
	ForcedLogoutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_logout_total",
			Help:      "Total number of sessions invalidated after a rejected refresh",
		},
	)

	// LoginTotal counts completed authorization code exchanges.
	LoginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_total",
			Help:      "Total number of login callbacks handled",
		},
		[]string{"result"},
	)

	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Total number of requests sent through the authenticated transport",
		},
		[]string{"code", "method"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Duration of requests sent through the authenticated transport",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"code", "method"},
	)
)

func init() {
	Registry.MustRegister(
		RefreshTotal,
		RefreshDuration,
		RefreshSharedTotal,
		AuthRetriesTotal,
		ForcedLogoutTotal,
		LoginTotal,
		upstreamRequests,
		upstreamDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// RecordRefresh records a finished refresh grant.
func RecordRefresh(result string, elapsed time.Duration) {
	RefreshTotal.WithLabelValues(result).Inc()
	RefreshDuration.Observe(elapsed.Seconds())
}

// RecordLogin records a handled login callback.
func RecordLogin(success bool) {
	result := ResultSuccess
	if !success {
		result = ResultFailure
	}
	LoginTotal.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// InstrumentTransport wraps base so every upstream round trip is counted
// and timed. A nil base means http.DefaultTransport.
func InstrumentTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperCounter(upstreamRequests,
		promhttp.InstrumentRoundTripperDuration(upstreamDuration, base))
}
