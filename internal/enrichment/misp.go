package enrichment

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// MISPProvider looks up addresses in a MISP (Malware Information Sharing
// Platform) instance through attribute restSearch.
type MISPProvider struct {
	config     MISPConfig
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

// MISPConfig holds MISP-specific configuration.
type MISPConfig struct {
	ProviderConfig `yaml:",inline"`
	VerifySSL      bool `yaml:"verify_ssl"`
	PublishedOnly  bool `yaml:"published_only"`
}

// DefaultMISPConfig returns sensible defaults for MISP.
func DefaultMISPConfig() MISPConfig {
	cfg := MISPConfig{
		ProviderConfig: DefaultProviderConfig(),
		VerifySSL:      true,
		PublishedOnly:  true,
	}
	cfg.APIKeyEnv = "MISP_API_KEY"
	return cfg
}

// NewMISPProvider creates a new MISP provider.
func NewMISPProvider(config MISPConfig) (*MISPProvider, error) {
	apiKey := os.Getenv(config.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("MISP API key not found in env var: %s", config.APIKeyEnv)
	}
	if config.BaseURL == "" {
		return nil, errors.New("MISP base URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultProviderConfig().Timeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !config.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &MISPProvider{
		config: config,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		now: time.Now,
	}, nil
}

// Name returns the provider identifier.
func (p *MISPProvider) Name() string {
	return "misp"
}

// HealthCheck verifies connectivity to MISP.
func (p *MISPProvider) HealthCheck(ctx context.Context) error {
	req, err := p.newRequest(ctx, http.MethodGet, "/servers/getVersion", nil)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("MISP health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("MISP returned status %d", resp.StatusCode)
	}
	return nil
}

// CheckIP searches source and destination IP attributes for ip. The most
// severe attribute describes the match.
func (p *MISPProvider) CheckIP(ctx context.Context, ip string) (*Match, error) {
	body, err := json.Marshal(MISPAttributeSearchRequest{
		ReturnFormat: "json",
		Value:        ip,
		Type:         []string{"ip-src", "ip-dst"},
		Published:    p.config.PublishedOnly,
	})
	if err != nil {
		return nil, err
	}

	req, err := p.newRequest(ctx, http.MethodPost, "/attributes/restSearch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("MISP search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("MISP returned %d: %s", resp.StatusCode, string(snippet))
	}

	var search MISPAttributeSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&search); err != nil {
		return nil, fmt.Errorf("failed to decode MISP response: %w", err)
	}
	if len(search.Response.Attribute) == 0 {
		return nil, nil
	}

	best := search.Response.Attribute[0]
	for _, attr := range search.Response.Attribute[1:] {
		if threatLevelToConfidence(attr.Event.ThreatLevelID) > threatLevelToConfidence(best.Event.ThreatLevelID) {
			best = attr
		}
	}

	return &Match{
		Indicator: p.attributeToIndicator(best),
		Source:    p.Name(),
		Timestamp: p.now().UTC(),
	}, nil
}

// newRequest creates an authenticated MISP API request.
func (p *MISPProvider) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	url := strings.TrimSuffix(p.config.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// attributeToIndicator converts a MISP attribute to common format.
func (p *MISPProvider) attributeToIndicator(attr MISPAttribute) Indicator {
	var firstSeen, lastSeen time.Time
	if attr.FirstSeen > 0 {
		firstSeen = time.Unix(attr.FirstSeen, 0).UTC()
	}
	lastSeen = firstSeen
	if attr.LastSeen > 0 {
		lastSeen = time.Unix(attr.LastSeen, 0).UTC()
	}

	tags := make([]string, 0, len(attr.Tag))
	for _, t := range attr.Tag {
		tags = append(tags, t.Name)
	}

	return Indicator{
		ID:          attr.UUID,
		Value:       attr.Value,
		ThreatType:  categoryToThreatType(attr.Category),
		Confidence:  threatLevelToConfidence(attr.Event.ThreatLevelID),
		Severity:    threatLevelToSeverity(attr.Event.ThreatLevelID),
		FirstSeen:   firstSeen,
		LastSeen:    lastSeen,
		Tags:        tags,
		Description: attr.Comment,
		Reference:   fmt.Sprintf("%s/events/view/%s", strings.TrimSuffix(p.config.BaseURL, "/"), attr.EventID),
	}
}

// MISP API types

// MISPAttributeSearchRequest is the MISP attribute search request.
type MISPAttributeSearchRequest struct {
	ReturnFormat string   `json:"returnFormat"`
	Value        string   `json:"value,omitempty"`
	Type         []string `json:"type,omitempty"`
	Published    bool     `json:"published,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

// MISPAttributeSearchResponse is the MISP attribute search response.
type MISPAttributeSearchResponse struct {
	Response struct {
		Attribute []MISPAttribute `json:"Attribute"`
	} `json:"response"`
}

// MISPAttribute represents a MISP attribute.
type MISPAttribute struct {
	ID        string    `json:"id"`
	UUID      string    `json:"uuid"`
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	Value     string    `json:"value"`
	Comment   string    `json:"comment"`
	FirstSeen int64     `json:"first_seen"`
	LastSeen  int64     `json:"last_seen"`
	Tag       []MISPTag `json:"Tag,omitempty"`
	Event     MISPEvent `json:"Event,omitempty"`
}

// MISPTag represents a MISP tag.
type MISPTag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MISPEvent represents minimal MISP event info.
type MISPEvent struct {
	ID            string `json:"id"`
	Info          string `json:"info"`
	ThreatLevelID string `json:"threat_level_id"`
}

func categoryToThreatType(category string) ThreatType {
	switch category {
	case "Network activity":
		return ThreatTypeC2
	case "Payload delivery", "Artifacts dropped", "Payload installation", "Persistence mechanism":
		return ThreatTypeMalware
	default:
		return ThreatTypeUnknown
	}
}

// threatLevelToConfidence reads MISP threat levels 1=high 2=medium 3=low 4=undefined.
func threatLevelToConfidence(level string) float64 {
	switch level {
	case "1":
		return 0.9
	case "2":
		return 0.7
	case "3":
		return 0.5
	default:
		return 0.3
	}
}

func threatLevelToSeverity(level string) string {
	switch level {
	case "1":
		return "critical"
	case "2":
		return "high"
	case "3":
		return "medium"
	default:
		return "low"
	}
}
