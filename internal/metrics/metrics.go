package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Taps counts processed card taps by outcome.
	Taps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_taps_total",
		Help: "Card taps processed, labelled by outcome.",
	}, []string{"outcome"})

	// SessionsClosed counts completed session closes.
	SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_sessions_closed_total",
		Help: "Sessions closed.",
	})

	// BackfilledAbsences counts absent records inserted at close time.
	BackfilledAbsences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_backfilled_absences_total",
		Help: "Absent records back-filled when a session closes.",
	})
)
