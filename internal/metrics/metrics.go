// Package metrics holds the Prometheus collectors shared by the scheduler
// and the reconciler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AlarmsArmed counts platform alarms armed, by trigger kind (pre|due)
	AlarmsArmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remindsync_alarms_armed_total",
		Help: "Total alarms armed by trigger kind",
	}, []string{"kind"})

	// ArmFailures counts refused or failed arm calls
	ArmFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remindsync_alarm_arm_failures_total",
		Help: "Total failed alarm arm calls by reason",
	}, []string{"reason"})

	// Deliveries counts delivered alarms by kind and what the scheduler did
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remindsync_deliveries_total",
		Help: "Total alarm deliveries by kind and outcome",
	}, []string{"kind", "outcome"})

	// SkippedRecords counts records left out of a scheduling pass
	SkippedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "remindsync_scheduler_skipped_records_total",
		Help: "Total reminders skipped by scheduling because they violate invariants",
	})

	// SyncPushes counts push attempts by result (ok|failed|deleted)
	SyncPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remindsync_sync_pushes_total",
		Help: "Total pushes to the remote store by result",
	}, []string{"result"})

	// RemoteChanges counts consumed remote change events
	RemoteChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "remindsync_remote_changes_total",
		Help: "Total remote change events by type and outcome",
	}, []string{"type", "outcome"})

	// DirtyRecords is the number of unsynced records after the last sync pass
	DirtyRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "remindsync_dirty_records",
		Help: "Unsynced local records after the last sync pass",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
