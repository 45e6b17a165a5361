package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_authentication_total",
			Help: "Authentication attempts and results.",
		},
		[]string{
			"kind",    // smtp
			"variant", // login, plain
			"result",  // ok, badcreds, badmech, error, aborted
		},
	)

	metricAuthenticationRatelimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_authentication_ratelimited_total",
			Help: "Authentication attempts that were refused due to rate limiting.",
		},
		[]string{
			"kind", // smtp
		},
	)
)

func AuthenticationInc(kind, variant, result string) {
	metricAuthentication.WithLabelValues(kind, variant, result).Inc()
}

func AuthenticationRatelimitedInc(kind string) {
	metricAuthenticationRatelimited.WithLabelValues(kind).Inc()
}
