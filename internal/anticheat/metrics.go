package anticheat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flagsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sams",
		Subsystem: "anticheat",
		Name:      "flags_total",
		Help:      "Anti-cheat flags raised, by flag type.",
	}, []string{"type"})

	verdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sams",
		Subsystem: "anticheat",
		Name:      "verdicts_total",
		Help:      "Anti-cheat verdicts, by recommendation.",
	}, []string{"recommendation"})
)

func observe(v Verdict) {
	for _, f := range v.Flags {
		flagsTotal.WithLabelValues(string(f.Type)).Inc()
	}
	verdictsTotal.WithLabelValues(string(v.Recommendation)).Inc()
}
