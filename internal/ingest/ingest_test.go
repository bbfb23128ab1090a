package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gsleeman/osd-pd-importer/internal/metrics"
	"github.com/gsleeman/osd-pd-importer/internal/model"
	"github.com/gsleeman/osd-pd-importer/internal/source"
	"github.com/gsleeman/osd-pd-importer/internal/store"
)

// fakeSource serves incidents and their alerts from memory. Records are
// deep-copied per call, like fresh API responses.
type fakeSource struct {
	incidents  []map[string]any
	alerts     map[string][]map[string]any
	logEntries map[string][]map[string]any
	policyErr  error
	alertsErr  error

	queries []source.IncidentQuery
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			v = copyMap(sub)
		}
		out[k] = v
	}
	return out
}

func (f *fakeSource) EscalationPolicy(_ context.Context, id string) (map[string]any, error) {
	if f.policyErr != nil {
		return nil, f.policyErr
	}
	return map[string]any{"id": id, "name": "OSD Hive"}, nil
}

func (f *fakeSource) Incidents(_ context.Context, q source.IncidentQuery, hook source.ItemHook, fn func(model.Incident) error) error {
	f.queries = append(f.queries, q)
	for i, inc := range f.incidents {
		m := copyMap(inc)
		if hook != nil {
			hook(m, i+1, len(f.incidents))
		}
		if err := fn(model.Incident(m)); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) LogEntries(_ context.Context, id string) ([]model.LogEntry, error) {
	out := []model.LogEntry{}
	for _, e := range f.logEntries[id] {
		out = append(out, model.LogEntry(copyMap(e)))
	}
	return out, nil
}

func (f *fakeSource) Alerts(_ context.Context, id string) ([]model.Alert, error) {
	if f.alertsErr != nil {
		return nil, f.alertsErr
	}
	var out []model.Alert
	for _, a := range f.alerts[id] {
		out = append(out, model.Alert(copyMap(a)))
	}
	return out, nil
}

func incident(id, service, created string) map[string]any {
	return map[string]any{
		"id":         id,
		"created_at": created,
		"service":    map[string]any{"id": "S" + id, "name": service},
	}
}

func alert(id, firing string) map[string]any {
	return map[string]any{
		"id":   id,
		"body": map[string]any{"details": map[string]any{"firing": firing}},
	}
}

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{
		PolicyID:        "PA4586M",
		TeamID:          "PASPK4G",
		ServiceSuffix:   "-hive-cluster",
		Lookback:        90 * 24 * time.Hour,
		CheckpointEvery: 100,
		Now:             func() time.Time { return fixedNow },
	}
}

func run(t *testing.T, src Source, path string, opts Options) (Result, string, *metrics.Run) {
	t.Helper()
	st, _ := store.Load(path)
	var out bytes.Buffer
	m := metrics.NewRun()
	res, err := New(src, st, opts, &out, zap.NewNop(), m).Run(context.Background())
	require.NoError(t, err)
	return res, out.String(), m
}

func TestRunEndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	src := &fakeSource{
		incidents: []map[string]any{incident("P1", "x-hive-cluster", "2024-05-30T10:00:00Z")},
		alerts:    map[string][]map[string]any{"P1": {alert("A1", "Labels:\n- \"env=prod\"\n")}},
		logEntries: map[string][]map[string]any{"P1": {
			{"id": "L1", "type": "trigger_log_entry"},
		}},
	}

	res, out, _ := run(t, src, path, testOptions())
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Total)
	assert.Contains(t, out, "1 new alerts(s) imported. 1 alerts in database\n")

	// empty store resumes from the lookback window
	require.Len(t, src.queries, 1)
	assert.Equal(t, fixedNow.Add(-90*24*time.Hour), src.queries[0].Since)
	assert.Equal(t, fixedNow, src.queries[0].Until)
	assert.Equal(t, []string{"PASPK4G"}, src.queries[0].TeamIDs)
	assert.Equal(t, []string{"resolved"}, src.queries[0].Statuses)

	st, err := store.Load(path)
	require.NoError(t, err)
	require.Equal(t, 1, st.Len())
	a := st.Alerts()[0]
	assert.Equal(t, "A1", a.ID())

	md, ok := a[model.KeyMetadata].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"env": "prod"}, md["labels"])
	assert.NotContains(t, md, "Labels")

	inc, ok := a.Incident()
	require.True(t, ok)
	assert.Equal(t, "P1", inc.ID())
	entries, ok := inc[model.KeyLogEntries].([]any)
	require.True(t, ok)
	assert.Len(t, entries, 1)
}

func TestRunFiltersServices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	noName := map[string]any{"id": "P3", "created_at": "2024-05-30T12:00:00Z", "service": map[string]any{"id": "S3"}}
	src := &fakeSource{
		incidents: []map[string]any{
			incident("P1", "foo-hive-cluster", "2024-05-30T10:00:00Z"),
			incident("P2", "foo-other", "2024-05-30T11:00:00Z"),
			noName,
		},
		alerts: map[string][]map[string]any{
			"P1": {alert("A1", "Labels: []")},
			"P2": {alert("A2", "Labels: []")},
			"P3": {alert("A3", "Labels: []")},
		},
	}

	res, _, m := run(t, src, path, testOptions())
	assert.Equal(t, 1, res.Imported)

	st, err := store.Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, st.IDs())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Incidents.WithLabelValues(metrics.IncidentProcessed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Incidents.WithLabelValues(metrics.IncidentSkippedSuffix)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Incidents.WithLabelValues(metrics.IncidentSkippedNoService)))
}

func TestRunIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	src := &fakeSource{
		incidents: []map[string]any{
			incident("P1", "a-hive-cluster", "2024-05-30T10:00:00Z"),
			incident("P2", "b-hive-cluster", "2024-05-31T10:00:00Z"),
		},
		alerts: map[string][]map[string]any{
			"P1": {alert("A1", "Labels: [\"x=1\"]"), alert("A2", "Labels: [\"x=2\"]")},
			"P2": {alert("A3", "Annotations: [\"summary = down\"]")},
		},
	}

	res, _, _ := run(t, src, path, testOptions())
	require.Equal(t, 3, res.Imported)
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	res, out, m := run(t, src, path, testOptions())
	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 3, res.Total)
	assert.Contains(t, out, "0 new alerts(s) imported. 3 alerts in database")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Alerts.WithLabelValues(metrics.AlertDuplicate)))

	// second run resumes from the latest stored incident
	require.Len(t, src.queries, 2)
	assert.Equal(t, time.Date(2024, 5, 31, 10, 0, 0, 0, time.UTC), src.queries[1].Since)

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
}

func TestRunKeepsIDsUnique(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	src := &fakeSource{
		incidents: []map[string]any{
			incident("P1", "a-hive-cluster", "2024-05-30T10:00:00Z"),
			incident("P2", "a-hive-cluster", "2024-05-30T11:00:00Z"),
		},
		alerts: map[string][]map[string]any{
			"P1": {alert("A1", "{}")},
			"P2": {alert("A1", "{}"), alert("A2", "{}")},
		},
	}

	res, _, _ := run(t, src, path, testOptions())
	assert.Equal(t, 2, res.Imported)

	st, err := store.Load(path)
	require.NoError(t, err)
	ids := map[string]int{}
	for _, id := range st.IDs() {
		ids[id]++
	}
	assert.Equal(t, map[string]int{"A1": 1, "A2": 1}, ids)
}

func TestRunCheckpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	src := &fakeSource{alerts: map[string][]map[string]any{}}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("P%d", i)
		src.incidents = append(src.incidents, incident(id, "c-hive-cluster", fmt.Sprintf("2024-05-30T1%d:00:00Z", i)))
		src.alerts[id] = []map[string]any{alert("A"+id, "{}")}
	}
	opts := testOptions()
	opts.CheckpointEvery = 2

	_, out, m := run(t, src, path, opts)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, []string{
		"Processed 0/5 incidents",
		"Processed 2/5 incidents",
		"Processed 4/5 incidents",
		"5 new alerts(s) imported. 5 alerts in database",
	}, lines)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Checkpoints))
}

func TestRunUnparsableFiringStoresNullMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	src := &fakeSource{
		incidents: []map[string]any{incident("P1", "d-hive-cluster", "2024-05-30T10:00:00Z")},
		alerts: map[string][]map[string]any{"P1": {
			alert("A1", "Labels: [broken"),
			{"id": "A2", "body": map[string]any{}},
		}},
	}

	res, _, m := run(t, src, path, testOptions())
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Alerts.WithLabelValues(metrics.AlertMetadataError)))

	st, err := store.Load(path)
	require.NoError(t, err)
	for _, a := range st.Alerts() {
		v, ok := a[model.KeyMetadata]
		assert.True(t, ok)
		assert.Nil(t, v)
	}
}

func TestRunPropagatesSourceErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")

	t.Run("policy", func(t *testing.T) {
		src := &fakeSource{policyErr: errors.New("401 unauthorized")}
		st := store.New(path)
		_, err := New(src, st, testOptions(), &bytes.Buffer{}, zap.NewNop(), nil).Run(context.Background())
		require.Error(t, err)
		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr), "store must not be written before the scope is verified")
	})

	t.Run("alerts after checkpoint", func(t *testing.T) {
		src := &fakeSource{
			incidents: []map[string]any{incident("P1", "e-hive-cluster", "2024-05-30T10:00:00Z")},
			alertsErr: errors.New("boom"),
		}
		st := store.New(path)
		_, err := New(src, st, testOptions(), &bytes.Buffer{}, zap.NewNop(), nil).Run(context.Background())
		require.Error(t, err)

		// the checkpoint taken before the first incident is on disk and valid
		loaded, loadErr := store.Load(path)
		require.NoError(t, loadErr)
		assert.Equal(t, 0, loaded.Len())
	})
}
