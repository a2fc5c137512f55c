package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var markTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sams",
	Subsystem: "attendance",
	Name:      "mark_total",
	Help:      "Check-in attempts, by outcome.",
}, []string{"outcome"})

func markOutcome(outcome string) {
	markTotal.WithLabelValues(outcome).Inc()
}
