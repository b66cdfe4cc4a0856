package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmis_inbox_attempts_total",
			Help: "Inbox processing attempts by outcome and error kind",
		},
		[]string{"outcome", "kind"}, // SUCCESS|FAILURE , none|MAPPING|DISPATCH
	)

	ClaimConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lmis_inbox_claim_conflicts_total",
			Help: "Records skipped because another runner claimed them first",
		},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lmis_dispatch_duration_seconds",
			Help:    "Outbound HTTP POST latency by status class",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"class"}, // 2xx|4xx|5xx|error
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmis_relay_runs_total",
			Help: "Relay batch runs by result",
		},
		[]string{"result"}, // ok|error
	)

	SweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lmis_inbox_swept_total",
			Help: "Stuck PROCESSING records released back to RECEIVED",
		},
	)

	DestinationBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lmis_destination_breaker_state",
			Help: "Destination circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)

	IngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lmis_inbox_ingested_total",
			Help: "Records accepted into the inbox by contract",
		},
		[]string{"contract"},
	)
)

// MustRegister registers all collectors; registering twice on the same registerer is a no-op.
func MustRegister(r prometheus.Registerer) {
	for _, c := range []prometheus.Collector{
		AttemptsTotal,
		ClaimConflictsTotal,
		DispatchDuration,
		RunsTotal,
		SweptTotal,
		DestinationBreakerState,
		IngestedTotal,
	} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

// StatusClass buckets an HTTP status for the duration histogram; 0 means no response.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
