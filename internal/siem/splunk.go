package siem

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/event"
)

const (
	splunkTimeFormat    = "2006-01-02T15:04:05"
	defaultSplunkSearch = "search index=_internal | head 100"
)

// SplunkConnector runs search jobs against the Splunk management API.
type SplunkConnector struct {
	base
}

// NewSplunkConnector creates a Splunk connector. apiKey is the login password
// for opts.Username.
func NewSplunkConnector(apiURL, apiKey string, opts Options) *SplunkConnector {
	return &SplunkConnector{base: newBase(event.SourceSplunk, apiURL, apiKey, opts)}
}

// Authenticate returns a cached session key or logs in for a new one.
func (c *SplunkConnector) Authenticate(ctx context.Context) (string, error) {
	now := c.opts.Now()
	if key, ok := c.token.get(now); ok {
		return key, nil
	}
	if c.apiKey == "" {
		return "", c.missingCredentials()
	}

	form := url.Values{}
	form.Set("username", c.opts.Username)
	form.Set("password", c.apiKey)
	form.Set("output_mode", "json")

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.call(ctx, http.MethodPost, "/services/auth/login", header, nil, []byte(form.Encode()))
	if err != nil {
		return "", err
	}

	var payload struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := resp.JSON(&payload); err != nil {
		return "", c.decodeError(err)
	}
	if payload.SessionKey == "" {
		return "", &AuthenticationError{Vendor: string(c.vendor), Message: "no session key in login response"}
	}

	c.token.set(payload.SessionKey, now.Add(c.opts.TokenTTL))
	c.logger.Debug("Authenticated with Splunk")
	return payload.SessionKey, nil
}

func (c *SplunkConnector) authHeader(ctx context.Context) (http.Header, error) {
	key, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Splunk "+key)
	return header, nil
}

// FetchLogs submits a search job, waits for it and reads its results.
func (c *SplunkConnector) FetchLogs(ctx context.Context, params FetchParams) (events []*event.Event, err error) {
	params = params.withDefaults()
	ctx, end := startFetchSpan(ctx, c.vendor, params)
	defer func() { end(len(events), err) }()

	header, err := c.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	sid, err := c.submitSearch(ctx, header, params)
	if err != nil {
		return nil, err
	}
	if err := c.waitForJob(ctx, header, sid); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("output_mode", "json")
	query.Set("count", strconv.Itoa(params.Limit))

	resp, err := c.call(ctx, http.MethodGet, "/services/search/jobs/"+url.PathEscape(sid)+"/results", header, query, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := resp.JSON(&payload); err != nil {
		return nil, c.decodeError(err)
	}
	if payload.Results == nil {
		c.logger.Warn("Unexpected response format from Splunk API", zap.String("sid", sid))
		return []*event.Event{}, nil
	}

	events = c.normalizeAll(payload.Results, c.NormalizeLog)
	c.logger.Info("Fetched Splunk events", zap.String("sid", sid), zap.Int("count", len(events)))
	return events, nil
}

func (c *SplunkConnector) submitSearch(ctx context.Context, header http.Header, params FetchParams) (string, error) {
	search := strings.TrimSpace(params.Query)
	if search == "" {
		search = defaultSplunkSearch
	} else if !strings.HasPrefix(search, "search ") && !strings.HasPrefix(search, "|") {
		search = "search " + search
	}

	earliest, latest := c.window(params.TimeRange)
	form := url.Values{}
	form.Set("search", search)
	form.Set("earliest_time", earliest.Format(splunkTimeFormat))
	form.Set("latest_time", latest.Format(splunkTimeFormat))
	form.Set("output_mode", "json")

	h := header.Clone()
	h.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.call(ctx, http.MethodPost, "/services/search/jobs", h, nil, []byte(form.Encode()))
	if err != nil {
		return "", err
	}

	var payload struct {
		SID string `json:"sid"`
	}
	if err := resp.JSON(&payload); err != nil {
		return "", c.decodeError(err)
	}
	if payload.SID == "" {
		return "", &ResponseError{Vendor: string(c.vendor), StatusCode: resp.StatusCode, Message: "no search ID returned"}
	}
	return payload.SID, nil
}

// waitForJob polls the job at most MaxPolls times, PollInterval apart.
func (c *SplunkConnector) waitForJob(ctx context.Context, header http.Header, sid string) error {
	query := url.Values{}
	query.Set("output_mode", "json")

	for i := 0; i < c.opts.MaxPolls; i++ {
		resp, err := c.call(ctx, http.MethodGet, "/services/search/jobs/"+url.PathEscape(sid), header, query, nil)
		if err != nil {
			return err
		}

		var status struct {
			Entry []struct {
				Content struct {
					IsDone bool `json:"isDone"`
				} `json:"content"`
			} `json:"entry"`
		}
		if err := resp.JSON(&status); err != nil {
			return c.decodeError(err)
		}
		if len(status.Entry) > 0 && status.Entry[0].Content.IsDone {
			return nil
		}

		if i == c.opts.MaxPolls-1 {
			break
		}
		select {
		case <-ctx.Done():
			return &ConnectionError{Vendor: string(c.vendor), URL: c.apiURL, Err: ctx.Err()}
		case <-time.After(c.opts.PollInterval):
		}
	}

	return &ResponseError{
		Vendor:  string(c.vendor),
		Message: fmt.Sprintf("search job timed out after %d checks", c.opts.MaxPolls),
	}
}

// NormalizeLog converts one Splunk result row into a canonical event.
func (c *SplunkConnector) NormalizeLog(raw json.RawMessage) (*event.Event, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}

	severity := f.first("severity", "severity_label", "priority")
	if severity == "" {
		severity = "low"
	}

	id := f.first("_cd", "event_id", "id")
	if id == "" {
		id = stableID(f)
	}

	ts, ok := f.lookup("_time")
	if !ok {
		ts, _ = f.lookup("timestamp")
	}

	return &event.Event{
		EventID:    id,
		Timestamp:  parseTime(ts, c.opts.Now()),
		SourceIP:   orUnknown(f.first("src_ip", "src", "source_ip")),
		Severity:   splunkSeverity(severity),
		RuleName:   f.first("rule_name", "signature", "description"),
		SIEMSource: event.SourceSplunk,
		RawLog:     compactRaw(raw),
	}, nil
}

// TestConnection reads the server version.
func (c *SplunkConnector) TestConnection(ctx context.Context) event.ConnectionTest {
	header, err := c.authHeader(ctx)
	if err != nil {
		return c.connectionFailed(err)
	}

	query := url.Values{}
	query.Set("output_mode", "json")

	resp, err := c.call(ctx, http.MethodGet, "/services/server/info", header, query, nil)
	if err != nil {
		return c.connectionFailed(err)
	}

	var payload struct {
		Entry []struct {
			Content struct {
				Version string `json:"version"`
			} `json:"content"`
		} `json:"entry"`
	}
	if err := resp.JSON(&payload); err != nil || len(payload.Entry) == 0 {
		return c.unexpectedFormat()
	}

	return event.ConnectionTest{
		Success: true,
		Message: "Successfully connected to Splunk API",
		Details: map[string]any{
			"version":      payload.Entry[0].Content.Version,
			"api_endpoint": c.apiURL,
		},
	}
}
