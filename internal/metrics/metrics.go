package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Incident results.
const (
	IncidentProcessed        = "processed"
	IncidentSkippedNoService = "skipped_no_service"
	IncidentSkippedSuffix    = "skipped_suffix"
)

// Alert results.
const (
	AlertImported      = "imported"
	AlertDuplicate     = "duplicate"
	AlertMetadataError = "metadata_error"
)

// Run holds the metrics of one import run on its own registry.
type Run struct {
	Registry *prometheus.Registry

	Incidents     *prometheus.CounterVec
	Alerts        *prometheus.CounterVec
	Checkpoints   prometheus.Counter
	StoreAlerts   prometheus.Gauge
	LastSuccessTS prometheus.Gauge
	Duration      prometheus.Summary
}

func NewRun() *Run {
	r := &Run{Registry: prometheus.NewRegistry()}
	r.Incidents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pd_importer",
		Name:      "incidents_total",
		Help:      "Incidents returned by PagerDuty by handling result",
	}, []string{"result"})
	r.Alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pd_importer",
		Name:      "alerts_total",
		Help:      "Alerts seen on retained incidents by handling result",
	}, []string{"result"})
	r.Checkpoints = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pd_importer",
		Name:      "checkpoints_total",
		Help:      "Mid-run store checkpoints written",
	})
	r.StoreAlerts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pd_importer",
		Name:      "store_alerts",
		Help:      "Alerts held in the store at the end of the run",
	})
	r.LastSuccessTS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pd_importer",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last run that saved the store",
	})
	r.Duration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "pd_importer",
		Name:      "run_duration_seconds",
		Help:      "Wall time of the import run",
	})

	r.Registry.MustRegister(
		r.Incidents, r.Alerts, r.Checkpoints,
		r.StoreAlerts, r.LastSuccessTS, r.Duration,
	)
	return r
}

// Succeeded records a completed run.
func (r *Run) Succeeded(storeLen int, started time.Time) {
	r.StoreAlerts.Set(float64(storeLen))
	r.LastSuccessTS.Set(float64(time.Now().Unix()))
	r.Duration.Observe(time.Since(started).Seconds())
}

// WriteTextfile writes the registry in the format read by the node_exporter
// textfile collector.
func (r *Run) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
