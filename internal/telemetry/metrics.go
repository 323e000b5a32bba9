package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Attendance metrics, registered on the default prometheus registry.
var (
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "sessions_started_total",
		Help:      "Number of attendance sessions started.",
	})

	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "sessions_ended_total",
		Help:      "Number of attendance sessions ended, by reason.",
	}, []string{"reason"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "attendance",
		Name:      "sessions_active",
		Help:      "Number of attendance sessions currently running.",
	})

	Marks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "marks_total",
		Help:      "Number of mark signals, by result.",
	}, []string{"result"})
)

const (
	MarkResultAccepted  = "accepted"
	MarkResultDuplicate = "duplicate"
	MarkResultLate      = "late"
	MarkResultRejected  = "rejected"
)
