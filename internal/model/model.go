package model

import (
	"fmt"
	"strings"
)

// Timestamp layout PagerDuty uses for created_at when time_zone=UTC.
const TimeLayout = "2006-01-02T15:04:05Z"

// Keys the importer adds to records it stores.
const (
	KeyLogEntries = "log_entries"
	KeyMetadata   = "metadata"
	KeyIncident   = "incident"
)

// Incident is a PagerDuty incident as returned by the REST API. Fields are
// kept verbatim so stored records round-trip without loss.
type Incident map[string]any

// Alert is a PagerDuty alert, later enriched with metadata and its incident.
type Alert map[string]any

// LogEntry is an incident log entry, stored verbatim.
type LogEntry map[string]any

func (i Incident) ID() string        { return str(i["id"]) }
func (i Incident) CreatedAt() string { return str(i["created_at"]) }

// ServiceName returns service.name; ok is false when the service object or
// its name key is absent.
func (i Incident) ServiceName() (string, bool) {
	svc, ok := i["service"].(map[string]any)
	if !ok {
		return "", false
	}
	v, ok := svc["name"]
	if !ok {
		return "", false
	}
	return str(v), true
}

func (a Alert) ID() string        { return str(a["id"]) }
func (a Alert) CreatedAt() string { return str(a["created_at"]) }

// Firing returns body.details.firing.
func (a Alert) Firing() (string, bool) {
	body, ok := a["body"].(map[string]any)
	if !ok {
		return "", false
	}
	details, ok := body["details"].(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := details["firing"].(string)
	return s, ok
}

// Incident returns the owning incident attached by a previous import.
func (a Alert) Incident() (Incident, bool) {
	switch v := a[KeyIncident].(type) {
	case Incident:
		return v, true
	case map[string]any:
		return Incident(v), true
	}
	return nil, false
}

// ResumeTime is the creation timestamp used to order the store: the
// incident's created_at, or the alert's own when no incident is attached.
func (a Alert) ResumeTime() string {
	if inc, ok := a.Incident(); ok {
		if ts := inc.CreatedAt(); ts != "" {
			return ts
		}
	}
	return a.CreatedAt()
}

func str(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	default:
		return fmt.Sprint(s)
	}
}
