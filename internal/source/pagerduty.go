package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gsleeman/osd-pd-importer/internal/config"
	"github.com/gsleeman/osd-pd-importer/internal/model"
	"github.com/gsleeman/osd-pd-importer/internal/util"
)

const acceptHeader = "application/vnd.pagerduty+json;version=2"

// APIError is a non-retryable HTTP failure from the PagerDuty REST API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pagerduty %s %s: http %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code/100 == 5
}

// PagerDuty is a minimal REST v2 client with classic offset pagination.
type PagerDuty struct {
	cfg    config.PagerDutyConfig
	token  string
	base   string
	client *http.Client
	logger *zap.Logger
}

func NewPagerDuty(cfg config.PagerDutyConfig, token string, logger *zap.Logger) *PagerDuty {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.pagerduty.com"
	}
	return &PagerDuty{
		cfg:    cfg,
		token:  token,
		base:   base,
		client: util.NewHTTPClient(defaultDur(cfg.Timeout, 30*time.Second)),
		logger: logger,
	}
}

func (p *PagerDuty) Name() string { return "pagerduty" }

// Get performs a GET on path and decodes the JSON body into out. Numbers are
// decoded as json.Number when out holds interface values.
func (p *PagerDuty) Get(ctx context.Context, path string, params url.Values, out any) error {
	u := p.base + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var raw []byte
	attempt := 0
	err := util.Retry(ctx, defaultInt(p.cfg.MaxRetries, 1), defaultDur(p.cfg.Backoff, 500*time.Millisecond), defaultDur(p.cfg.MaxBackoff, 10*time.Second), func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return util.Permanent(err)
		}
		req.Header.Set("Accept", acceptHeader)
		req.Header.Set("Authorization", "Token token="+p.token)
		if ua := p.cfg.UserAgent; ua != "" {
			req.Header.Set("User-Agent", ua)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return util.Permanent(ctx.Err())
			}
			p.logger.Warn("pagerduty request failed",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		if resp.StatusCode/100 != 2 {
			apiErr := &APIError{
				Method:     http.MethodGet,
				Path:       path,
				StatusCode: resp.StatusCode,
				Body:       excerpt(body),
			}
			if retryable(resp.StatusCode) {
				p.logger.Warn("pagerduty request throttled or failed, retrying",
					zap.String("path", path),
					zap.Int("status", resp.StatusCode),
					zap.Int("attempt", attempt))
				return apiErr
			}
			return util.Permanent(apiErr)
		}
		raw = body
		return nil
	})
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("pagerduty %s: decode: %w", path, err)
	}
	return nil
}

// IterAll walks every page of the listing at path. For each item, hook (if
// set) is called first, then fn; an error from fn stops the iteration and is
// returned.
func (p *PagerDuty) IterAll(ctx context.Context, path string, params url.Values, hook ItemHook, fn func(map[string]any) error) error {
	key := resourceKey(path)
	limit := defaultInt(p.cfg.PageSize, 100)
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("limit", strconv.Itoa(limit))

	n, offset := 0, 0
	for {
		q.Set("offset", strconv.Itoa(offset))
		var page map[string]any
		if err := p.Get(ctx, path, q, &page); err != nil {
			return err
		}
		items, ok := page[key].([]any)
		if !ok {
			return fmt.Errorf("pagerduty %s: response has no %q list", path, key)
		}
		total := intValue(page["total"])
		p.logger.Debug("pagerduty page",
			zap.String("path", path),
			zap.Int("offset", offset),
			zap.Int("items", len(items)),
			zap.Int("total", total))

		for _, it := range items {
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			n++
			if hook != nil {
				hook(m, n, total)
			}
			if err := fn(m); err != nil {
				return err
			}
		}

		more, _ := page["more"].(bool)
		if !more || len(items) == 0 {
			return nil
		}
		offset += len(items)
	}
}

// EscalationPolicy fetches one escalation policy; used to validate the
// configured scope and credential before importing.
func (p *PagerDuty) EscalationPolicy(ctx context.Context, id string) (map[string]any, error) {
	var body struct {
		EscalationPolicy map[string]any `json:"escalation_policy"`
	}
	if err := p.Get(ctx, "escalation_policies/"+url.PathEscape(id), nil, &body); err != nil {
		return nil, err
	}
	if body.EscalationPolicy == nil {
		return nil, fmt.Errorf("pagerduty: escalation policy %s not found", id)
	}
	return body.EscalationPolicy, nil
}

// Incidents streams incidents matching q in ascending creation order.
func (p *PagerDuty) Incidents(ctx context.Context, q IncidentQuery, hook ItemHook, fn func(model.Incident) error) error {
	params := url.Values{}
	params.Set("since", q.Since.UTC().Format(time.RFC3339))
	params.Set("until", q.Until.UTC().Format(time.RFC3339))
	params.Set("time_zone", "UTC")
	params.Set("sort_by", "created_at:ASC")
	params.Set("total", "true")
	params["team_ids[]"] = q.TeamIDs
	params["statuses[]"] = q.Statuses
	params["include[]"] = q.Includes
	return p.IterAll(ctx, "incidents", params, hook, func(m map[string]any) error {
		return fn(model.Incident(m))
	})
}

// LogEntries lists every log entry of an incident, oldest first.
func (p *PagerDuty) LogEntries(ctx context.Context, incidentID string) ([]model.LogEntry, error) {
	params := url.Values{}
	params.Set("sort_by", "created_at:asc")
	params.Set("is_overview", "true")
	params.Set("time_zone", "UTC")
	out := []model.LogEntry{}
	err := p.IterAll(ctx, "incidents/"+url.PathEscape(incidentID)+"/log_entries", params, nil, func(m map[string]any) error {
		out = append(out, model.LogEntry(m))
		return nil
	})
	return out, err
}

// Alerts lists every alert of an incident, oldest first.
func (p *PagerDuty) Alerts(ctx context.Context, incidentID string) ([]model.Alert, error) {
	params := url.Values{}
	params.Set("sort_by", "created_at:asc")
	var out []model.Alert
	err := p.IterAll(ctx, "incidents/"+url.PathEscape(incidentID)+"/alerts", params, nil, func(m map[string]any) error {
		out = append(out, model.Alert(m))
		return nil
	})
	return out, err
}

func excerpt(b []byte) string {
	const max = 512
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = s[:max]
	}
	return s
}
