package siem

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/event"
)

const elasticTimeFormat = "2006-01-02T15:04:05.000Z"

// ElasticConnector searches an Elasticsearch index with a pre-issued API key.
type ElasticConnector struct {
	base
}

// NewElasticConnector creates an Elastic connector. apiKey is the encoded API
// key sent on every request.
func NewElasticConnector(apiURL, apiKey string, opts Options) *ElasticConnector {
	return &ElasticConnector{base: newBase(event.SourceElastic, apiURL, apiKey, opts)}
}

// Authenticate returns the configured API key. Elastic has no session.
func (c *ElasticConnector) Authenticate(_ context.Context) (string, error) {
	if c.apiKey == "" {
		return "", c.missingCredentials()
	}
	return c.apiKey, nil
}

func (c *ElasticConnector) authHeader(ctx context.Context) (http.Header, error) {
	key, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "ApiKey "+key)
	header.Set("Content-Type", "application/json")
	return header, nil
}

type elasticQuery struct {
	Size  int              `json:"size"`
	Query elasticBoolQuery `json:"query"`
	Sort  []map[string]any `json:"sort"`
}

type elasticBoolQuery struct {
	Bool struct {
		Must []map[string]any `json:"must"`
	} `json:"bool"`
}

func (c *ElasticConnector) buildQuery(params FetchParams) elasticQuery {
	from, to := c.window(params.TimeRange)

	q := elasticQuery{
		Size: params.Limit,
		Sort: []map[string]any{
			{"@timestamp": map[string]any{"order": "desc"}},
		},
	}
	q.Query.Bool.Must = []map[string]any{
		{"range": map[string]any{
			"@timestamp": map[string]any{
				"gte": from.Format(elasticTimeFormat),
				"lte": to.Format(elasticTimeFormat),
			},
		}},
	}
	if params.Query != "" {
		q.Query.Bool.Must = append(q.Query.Bool.Must, map[string]any{
			"query_string": map[string]any{"query": params.Query},
		})
	}
	return q
}

// FetchLogs runs a single time-bounded search, newest first.
func (c *ElasticConnector) FetchLogs(ctx context.Context, params FetchParams) (events []*event.Event, err error) {
	params = params.withDefaults()
	ctx, end := startFetchSpan(ctx, c.vendor, params)
	defer func() { end(len(events), err) }()

	header, err := c.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	index := params.Index
	if index == "" {
		index = c.opts.Index
	}

	body, err := json.Marshal(c.buildQuery(params))
	if err != nil {
		return nil, err
	}

	resp, err := c.call(ctx, http.MethodPost, "/"+url.PathEscape(index)+"/_search", header, nil, body)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Hits *struct {
			Hits []json.RawMessage `json:"hits"`
		} `json:"hits"`
	}
	if err := resp.JSON(&payload); err != nil {
		return nil, c.decodeError(err)
	}
	if payload.Hits == nil || payload.Hits.Hits == nil {
		c.logger.Warn("Unexpected response format from Elastic API", zap.String("index", index))
		return []*event.Event{}, nil
	}

	events = c.normalizeAll(payload.Hits.Hits, c.NormalizeLog)
	c.logger.Info("Fetched Elastic documents", zap.String("index", index), zap.Int("count", len(events)))
	return events, nil
}

// NormalizeLog converts one search hit into a canonical event.
func (c *ElasticConnector) NormalizeLog(raw json.RawMessage) (*event.Event, error) {
	f, err := decodeFields(raw)
	if err != nil {
		return nil, err
	}

	src := fields{}
	if v, ok := f.lookup("_source"); ok {
		if m, ok := v.(map[string]any); ok {
			src = fields(m)
		}
	}

	sev, present := src.lookup("event", "severity")
	ts, _ := src.lookup("@timestamp")

	return &event.Event{
		EventID:    f.str("_id"),
		Timestamp:  parseTime(ts, c.opts.Now()),
		SourceIP:   orUnknown(src.first("source.ip", "client.ip", "host.ip")),
		Severity:   elasticSeverity(sev, present),
		RuleName:   src.first("rule.description", "rule.name"),
		SIEMSource: event.SourceElastic,
		RawLog:     compactRaw(raw),
	}, nil
}

// TestConnection reads the cluster version and name.
func (c *ElasticConnector) TestConnection(ctx context.Context) event.ConnectionTest {
	header, err := c.authHeader(ctx)
	if err != nil {
		return c.connectionFailed(err)
	}

	resp, err := c.call(ctx, http.MethodGet, "/", header, nil, nil)
	if err != nil {
		return c.connectionFailed(err)
	}

	var payload struct {
		ClusterName string `json:"cluster_name"`
		Version     *struct {
			Number string `json:"number"`
		} `json:"version"`
	}
	if err := resp.JSON(&payload); err != nil || payload.Version == nil {
		return c.unexpectedFormat()
	}

	return event.ConnectionTest{
		Success: true,
		Message: "Successfully connected to Elastic API",
		Details: map[string]any{
			"version":      payload.Version.Number,
			"cluster_name": payload.ClusterName,
			"api_endpoint": c.apiURL,
		},
	}
}
