package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmtrack_ingest_events_total",
		Help: "Ingest calls processed, by type.",
	}, []string{"type"})

	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vmtrack_sessions_started_total",
		Help: "Sessions opened by events and snapshot reconciliation.",
	})

	sessionsStopped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vmtrack_sessions_stopped_total",
		Help: "Sessions closed by events and snapshot reconciliation.",
	})

	snapshotsReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vmtrack_snapshots_reconciled_total",
		Help: "Full snapshots applied to the session log.",
	})
)
