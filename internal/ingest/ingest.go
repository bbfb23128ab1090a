// Package ingest implements the incremental import of PagerDuty alerts into
// the local store: resume from the latest stored incident, fetch resolved
// incidents for the team, keep the matching services, enrich and normalize
// their alerts, and append the ones not stored yet.
package ingest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gsleeman/osd-pd-importer/internal/metrics"
	"github.com/gsleeman/osd-pd-importer/internal/model"
	"github.com/gsleeman/osd-pd-importer/internal/postprocess"
	"github.com/gsleeman/osd-pd-importer/internal/source"
	"github.com/gsleeman/osd-pd-importer/internal/store"
)

// Source is the remote side of the import.
type Source interface {
	EscalationPolicy(ctx context.Context, id string) (map[string]any, error)
	Incidents(ctx context.Context, q source.IncidentQuery, hook source.ItemHook, fn func(model.Incident) error) error
	LogEntries(ctx context.Context, incidentID string) ([]model.LogEntry, error)
	Alerts(ctx context.Context, incidentID string) ([]model.Alert, error)
}

// Store is the local alert database. Save must replace the persisted copy
// with the full in-memory content.
type Store interface {
	IDs() []string
	Len() int
	Append(model.Alert)
	ResumePoint(now time.Time, lookback time.Duration) time.Time
	Save() error
}

type Options struct {
	PolicyID        string
	TeamID          string
	ServiceSuffix   string
	Lookback        time.Duration
	CheckpointEvery int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Result summarizes a run.
type Result struct {
	Since    time.Time
	Until    time.Time
	Imported int
	Total    int
}

type Ingester struct {
	src     Source
	st      Store
	opts    Options
	out     io.Writer
	logger  *zap.Logger
	metrics *metrics.Run

	seen          *store.Dedup
	imported      int
	checkpointErr error
}

// New wires an ingester. Progress and summary lines go to out.
func New(src Source, st Store, opts Options, out io.Writer, logger *zap.Logger, m *metrics.Run) *Ingester {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 100
	}
	if m == nil {
		m = metrics.NewRun()
	}
	return &Ingester{src: src, st: st, opts: opts, out: out, logger: logger, metrics: m}
}

// Run performs one import. Any error from the source or from saving aborts
// the run; whatever the last checkpoint wrote stays on disk.
func (g *Ingester) Run(ctx context.Context) (Result, error) {
	started := time.Now()

	ep, err := g.src.EscalationPolicy(ctx, g.opts.PolicyID)
	if err != nil {
		return Result{}, fmt.Errorf("verify escalation policy %s: %w", g.opts.PolicyID, err)
	}
	g.logger.Info("escalation policy verified",
		zap.String("policy_id", g.opts.PolicyID),
		zap.Any("policy_name", ep["name"]))

	now := g.opts.Now().UTC()
	res := Result{
		Since: g.st.ResumePoint(now, g.opts.Lookback),
		Until: now,
	}
	g.seen = store.NewDedup(g.st.IDs()...)
	g.imported = 0
	g.checkpointErr = nil

	g.logger.Info("fetching incidents",
		zap.String("team_id", g.opts.TeamID),
		zap.Time("since", res.Since),
		zap.Time("until", res.Until),
		zap.Int("stored_alerts", g.st.Len()))

	q := source.IncidentQuery{
		Since:    res.Since,
		Until:    res.Until,
		TeamIDs:  []string{g.opts.TeamID},
		Statuses: []string{"resolved"},
		Includes: source.DefaultIncludes,
	}
	if err := g.src.Incidents(ctx, q, g.checkpointHook(), func(inc model.Incident) error {
		if g.checkpointErr != nil {
			return g.checkpointErr
		}
		return g.processIncident(ctx, inc)
	}); err != nil {
		return res, err
	}

	res.Imported = g.imported
	res.Total = g.st.Len()
	fmt.Fprintf(g.out, "%d new alerts(s) imported. %d alerts in database\n", res.Imported, res.Total)
	if err := g.st.Save(); err != nil {
		return res, fmt.Errorf("save store: %w", err)
	}
	g.metrics.Succeeded(res.Total, started)
	return res, nil
}

// checkpointHook prints progress and saves the store on the first incident of
// every CheckpointEvery-sized batch, before that incident is processed. A
// failed save is reported by the next incident callback.
func (g *Ingester) checkpointHook() source.ItemHook {
	return func(_ map[string]any, n, total int) {
		if (n-1)%g.opts.CheckpointEvery != 0 {
			return
		}
		fmt.Fprintf(g.out, "Processed %d/%d incidents\n", n-1, total)
		if err := g.st.Save(); err != nil {
			g.checkpointErr = fmt.Errorf("checkpoint: %w", err)
			return
		}
		g.metrics.Checkpoints.Inc()
	}
}

func (g *Ingester) processIncident(ctx context.Context, inc model.Incident) error {
	name, ok := inc.ServiceName()
	if !ok {
		g.metrics.Incidents.WithLabelValues(metrics.IncidentSkippedNoService).Inc()
		return nil
	}
	if !strings.HasSuffix(name, g.opts.ServiceSuffix) {
		g.metrics.Incidents.WithLabelValues(metrics.IncidentSkippedSuffix).Inc()
		return nil
	}

	entries, err := g.src.LogEntries(ctx, inc.ID())
	if err != nil {
		return fmt.Errorf("incident %s log entries: %w", inc.ID(), err)
	}
	inc[model.KeyLogEntries] = entries

	alerts, err := g.src.Alerts(ctx, inc.ID())
	if err != nil {
		return fmt.Errorf("incident %s alerts: %w", inc.ID(), err)
	}
	for _, a := range alerts {
		if g.seen.Seen(a.ID()) {
			g.metrics.Alerts.WithLabelValues(metrics.AlertDuplicate).Inc()
			continue
		}
		a[model.KeyMetadata] = g.metadata(a)
		a[model.KeyIncident] = inc
		g.st.Append(a)
		g.seen.Mark(a.ID())
		g.imported++
		g.metrics.Alerts.WithLabelValues(metrics.AlertImported).Inc()
	}
	g.metrics.Incidents.WithLabelValues(metrics.IncidentProcessed).Inc()
	return nil
}

// metadata returns the normalized firing document, or nil when the alert has
// none or it does not parse.
func (g *Ingester) metadata(a model.Alert) any {
	firing, ok := a.Firing()
	if !ok {
		g.logger.Warn("alert has no firing document", zap.String("alert_id", a.ID()))
		g.metrics.Alerts.WithLabelValues(metrics.AlertMetadataError).Inc()
		return nil
	}
	md, err := postprocess.Normalize(firing)
	if err != nil {
		g.logger.Warn("alert firing document unparsable",
			zap.String("alert_id", a.ID()),
			zap.Error(err))
		g.metrics.Alerts.WithLabelValues(metrics.AlertMetadataError).Inc()
		return nil
	}
	return md
}
