package proctor

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invigil",
		Subsystem: "proctor",
		Name:      "events_recorded_total",
		Help:      "Total violation events recorded, by kind.",
	}, []string{"kind"})

	tierCrossings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invigil",
		Subsystem: "proctor",
		Name:      "tier_crossings_total",
		Help:      "Total risk tier boundary crossings, by tier.",
	}, []string{"tier"})

	terminations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invigil",
		Subsystem: "proctor",
		Name:      "terminations_total",
		Help:      "Total session terminations, by reason.",
	}, []string{"reason"})

	watchdogExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "invigil",
		Subsystem: "proctor",
		Name:      "watchdog_expired_total",
		Help:      "Total started sessions expired by the watchdog.",
	})
)

func init() {
	prometheus.MustRegister(eventsRecorded, tierCrossings, terminations, watchdogExpired)
}
