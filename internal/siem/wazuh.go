package siem

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/event"
)

const wazuhTimeFormat = "2006-01-02T15:04:05Z"

// WazuhConnector reads alerts from the Wazuh manager API.
type WazuhConnector struct {
	base
}

// NewWazuhConnector creates a Wazuh connector. apiKey is the "user:password"
// pair sent as HTTP Basic credentials to obtain a bearer token.
func NewWazuhConnector(apiURL, apiKey string, opts Options) *WazuhConnector {
	return &WazuhConnector{base: newBase(event.SourceWazuh, apiURL, apiKey, opts)}
}

// Authenticate returns a cached bearer token or logs in for a new one.
func (c *WazuhConnector) Authenticate(ctx context.Context) (string, error) {
	now := c.opts.Now()
	if token, ok := c.token.get(now); ok {
		return token, nil
	}
	if c.apiKey == "" {
		return "", c.missingCredentials()
	}

	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.apiKey)))

	resp, err := c.call(ctx, http.MethodPost, "/security/user/authenticate", header, nil, nil)
	if err != nil {
		return "", err
	}

	var payload struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := resp.JSON(&payload); err != nil {
		return "", c.decodeError(err)
	}
	if payload.Data.Token == "" {
		return "", &AuthenticationError{Vendor: string(c.vendor), Message: "no token in authentication response"}
	}

	c.token.set(payload.Data.Token, now.Add(c.opts.TokenTTL))
	c.logger.Debug("Authenticated with Wazuh")
	return payload.Data.Token, nil
}

func (c *WazuhConnector) authHeader(ctx context.Context) (http.Header, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Content-Type", "application/json")
	return header, nil
}

// FetchLogs queries /alerts for the requested window, newest first.
func (c *WazuhConnector) FetchLogs(ctx context.Context, params FetchParams) (events []*event.Event, err error) {
	params = params.withDefaults()
	ctx, end := startFetchSpan(ctx, c.vendor, params)
	defer func() { end(len(events), err) }()

	header, err := c.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	from, to := c.window(params.TimeRange)
	query := url.Values{}
	query.Set("limit", strconv.Itoa(params.Limit))
	query.Set("select", "*")
	query.Set("sort", "-timestamp")
	query.Set("from", from.Format(wazuhTimeFormat))
	query.Set("to", to.Format(wazuhTimeFormat))
	if params.Query != "" {
		query.Set("q", params.Query)
	}

	resp, err := c.call(ctx, http.MethodGet, "/alerts", header, query, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Data *struct {
			AffectedItems []json.RawMessage `json:"affected_items"`
		} `json:"data"`
	}
	if err := resp.JSON(&payload); err != nil {
		return nil, c.decodeError(err)
	}
	if payload.Data == nil || payload.Data.AffectedItems == nil {
		c.logger.Warn("Unexpected response format from Wazuh API")
		return []*event.Event{}, nil
	}

	events = c.normalizeAll(payload.Data.AffectedItems, c.NormalizeLog)
	c.logger.Info("Fetched Wazuh alerts", zap.Int("count", len(events)))
	return events, nil
}

// NormalizeLog converts one Wazuh alert into a canonical event.
func (c *WazuhConnector) NormalizeLog(raw json.RawMessage) (*event.Event, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}

	level := 3.0
	if v, ok := f.lookup("rule", "level"); ok {
		if n, ok := toFloat(v); ok {
			level = n
		}
	}

	ts, _ := f.lookup("timestamp")
	return &event.Event{
		EventID:    f.str("id"),
		Timestamp:  parseTime(ts, c.opts.Now()),
		SourceIP:   orUnknown(f.first("agent.ip", "data.srcip")),
		Severity:   wazuhSeverity(level),
		RuleName:   f.str("rule", "description"),
		SIEMSource: event.SourceWazuh,
		RawLog:     compactRaw(raw),
	}, nil
}

// TestConnection reads the manager version.
func (c *WazuhConnector) TestConnection(ctx context.Context) event.ConnectionTest {
	header, err := c.authHeader(ctx)
	if err != nil {
		return c.connectionFailed(err)
	}

	resp, err := c.call(ctx, http.MethodGet, "/manager/info", header, nil, nil)
	if err != nil {
		return c.connectionFailed(err)
	}

	var payload struct {
		Data *struct {
			Version string `json:"version"`
		} `json:"data"`
	}
	if err := resp.JSON(&payload); err != nil || payload.Data == nil {
		return c.unexpectedFormat()
	}

	return event.ConnectionTest{
		Success: true,
		Message: "Successfully connected to Wazuh API",
		Details: map[string]any{
			"version":      payload.Data.Version,
			"api_endpoint": c.apiURL,
		},
	}
}
