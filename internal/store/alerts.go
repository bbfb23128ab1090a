package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gsleeman/osd-pd-importer/internal/model"
)

var errEmpty = errors.New("store file is empty")

// Store is the append-only alert database persisted as one JSON array.
type Store struct {
	path   string
	alerts []model.Alert
}

// New returns an empty store backed by path.
func New(path string) *Store {
	return &Store{path: path, alerts: []model.Alert{}}
}

// Load reads the store at path and sorts it by resume time. The returned
// store is always usable: when the file is missing, empty, unparsable or
// holds a record without a valid timestamp, it is empty and err says why.
func Load(path string) (*Store, error) {
	s := New(path)
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return s, errEmpty
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var alerts []model.Alert
	if err := dec.Decode(&alerts); err != nil {
		return s, fmt.Errorf("decode %s: %w", path, err)
	}

	times := make([]time.Time, len(alerts))
	for i, a := range alerts {
		t, err := time.Parse(model.TimeLayout, a.ResumeTime())
		if err != nil {
			return s, fmt.Errorf("alert %q: %w", a.ID(), err)
		}
		times[i] = t
	}
	idx := make([]int, len(alerts))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return times[idx[i]].Before(times[idx[j]]) })
	for _, i := range idx {
		s.alerts = append(s.alerts, alerts[i])
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }
func (s *Store) Len() int     { return len(s.alerts) }

func (s *Store) Alerts() []model.Alert { return s.alerts }

func (s *Store) Append(a model.Alert) { s.alerts = append(s.alerts, a) }

func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.alerts))
	for _, a := range s.alerts {
		ids = append(ids, a.ID())
	}
	return ids
}

// ResumePoint is the creation time of the latest stored incident, or
// now-lookback when nothing usable is stored.
func (s *Store) ResumePoint(now time.Time, lookback time.Duration) time.Time {
	var latest time.Time
	for _, a := range s.alerts {
		t, err := time.Parse(model.TimeLayout, a.ResumeTime())
		if err != nil {
			continue
		}
		if t.After(latest) {
			latest = t
		}
	}
	if latest.IsZero() {
		return now.UTC().Add(-lookback)
	}
	return latest
}

// Save replaces the file with the full in-memory store. The write goes to a
// temp file in the same directory which is then renamed over the target.
func (s *Store) Save() error {
	b, err := json.Marshal(s.alerts)
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}
