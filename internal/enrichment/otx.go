package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	otxDefaultBaseURL = "https://otx.alienvault.com"
	otxAPIPath        = "/api/v1"
	otxTimeLayout     = "2006-01-02T15:04:05.000000"
)

// OTXProvider looks up addresses in AlienVault OTX (Open Threat Exchange).
// An address with no associated pulses is a miss.
type OTXProvider struct {
	config     OTXConfig
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

// OTXConfig holds OTX-specific configuration.
type OTXConfig struct {
	ProviderConfig `yaml:",inline"`
}

// DefaultOTXConfig returns sensible defaults for OTX.
func DefaultOTXConfig() OTXConfig {
	cfg := OTXConfig{ProviderConfig: DefaultProviderConfig()}
	cfg.APIKeyEnv = "OTX_API_KEY"
	cfg.BaseURL = otxDefaultBaseURL
	return cfg
}

// NewOTXProvider creates a new OTX provider.
func NewOTXProvider(config OTXConfig) (*OTXProvider, error) {
	apiKey := os.Getenv(config.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("OTX API key not found in env var: %s", config.APIKeyEnv)
	}
	if config.BaseURL == "" {
		config.BaseURL = otxDefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultProviderConfig().Timeout
	}

	return &OTXProvider{
		config: config,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		now: time.Now,
	}, nil
}

// Name returns the provider identifier.
func (p *OTXProvider) Name() string {
	return "otx"
}

// HealthCheck verifies connectivity to OTX.
func (p *OTXProvider) HealthCheck(ctx context.Context) error {
	req, err := p.newRequest(ctx, "/user/me")
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("OTX health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errors.New("OTX authentication failed: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OTX returned status %d", resp.StatusCode)
	}
	return nil
}

// CheckIP looks ip up in OTX.
func (p *OTXProvider) CheckIP(ctx context.Context, ip string) (*Match, error) {
	path, err := indicatorPath(ip)
	if err != nil {
		return nil, err
	}

	req, err := p.newRequest(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("creating check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OTX lookup failed: %w", err)
	}
	defer resp.Body.Close()

	// 404 means not found in OTX
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OTX returned status %d", resp.StatusCode)
	}

	var general OTXGeneralResponse
	if err := json.NewDecoder(resp.Body).Decode(&general); err != nil {
		return nil, fmt.Errorf("decoding OTX response: %w", err)
	}
	if general.PulseInfo.Count == 0 || len(general.PulseInfo.Pulses) == 0 {
		return nil, nil
	}
	return p.buildMatch(ip, general), nil
}

// indicatorPath picks the IPv4 or IPv6 section for ip.
func indicatorPath(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("invalid IP address %q: %w", ip, err)
	}
	section := "IPv4"
	if addr = addr.Unmap(); addr.Is6() {
		section = "IPv6"
	}
	return fmt.Sprintf("/indicators/%s/%s/general", section, url.PathEscape(addr.String())), nil
}

// newRequest creates an authenticated OTX API request.
func (p *OTXProvider) newRequest(ctx context.Context, path string) (*http.Request, error) {
	fullURL := strings.TrimSuffix(p.config.BaseURL, "/") + otxAPIPath + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-OTX-API-KEY", p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "LabelForge/1.0")
	return req, nil
}

// buildMatch describes the address by its first pulse.
func (p *OTXProvider) buildMatch(ip string, resp OTXGeneralResponse) *Match {
	pulse := resp.PulseInfo.Pulses[0]
	created, _ := time.Parse(otxTimeLayout, pulse.Created)
	modified, _ := time.Parse(otxTimeLayout, pulse.Modified)
	if modified.IsZero() {
		modified = created
	}

	return &Match{
		Indicator: Indicator{
			ID:          pulse.ID,
			Value:       ip,
			ThreatType:  determineThreatType(pulse.Tags),
			Confidence:  calculateConfidence(resp.PulseInfo.Count),
			Severity:    determineSeverity(pulse),
			FirstSeen:   created,
			LastSeen:    modified,
			Tags:        pulse.Tags,
			Description: pulse.Description,
			Reference:   fmt.Sprintf("%s/pulse/%s", strings.TrimSuffix(p.config.BaseURL, "/"), pulse.ID),
		},
		Source:    p.Name(),
		Timestamp: p.now().UTC(),
	}
}

// determineThreatType maps pulse tags to a threat type.
func determineThreatType(tags []string) ThreatType {
	tagLower := strings.ToLower(strings.Join(tags, " "))

	switch {
	case strings.Contains(tagLower, "malware"):
		return ThreatTypeMalware
	case strings.Contains(tagLower, "c2") || strings.Contains(tagLower, "command and control"):
		return ThreatTypeC2
	case strings.Contains(tagLower, "phishing"):
		return ThreatTypePhishing
	case strings.Contains(tagLower, "botnet"):
		return ThreatTypeBotnet
	case strings.Contains(tagLower, "scanner") || strings.Contains(tagLower, "scan"):
		return ThreatTypeScanner
	case strings.Contains(tagLower, "tor"):
		return ThreatTypeTOR
	case strings.Contains(tagLower, "vpn"):
		return ThreatTypeVPN
	case strings.Contains(tagLower, "proxy"):
		return ThreatTypeProxy
	case strings.Contains(tagLower, "spam"):
		return ThreatTypeSpam
	case strings.Contains(tagLower, "apt"):
		return ThreatTypeAPT
	case strings.Contains(tagLower, "ransomware"):
		return ThreatTypeRansomware
	default:
		return ThreatTypeUnknown
	}
}

// determineSeverity maps a pulse to a severity level. Tags win over the
// adversary field.
func determineSeverity(pulse OTXPulse) string {
	tagLower := strings.ToLower(strings.Join(pulse.Tags, " "))

	switch {
	case strings.Contains(tagLower, "apt") || strings.Contains(tagLower, "ransomware"):
		return "critical"
	case strings.Contains(tagLower, "malware") || strings.Contains(tagLower, "c2"):
		return "high"
	case strings.Contains(tagLower, "phishing") || strings.Contains(tagLower, "botnet"):
		return "medium"
	}

	if pulse.Adversary != "" {
		return "high"
	}
	return "low"
}

// calculateConfidence grows with the number of pulses naming the address.
func calculateConfidence(pulseCount int) float64 {
	switch {
	case pulseCount >= 10:
		return 0.95
	case pulseCount >= 5:
		return 0.85
	case pulseCount >= 3:
		return 0.75
	case pulseCount >= 1:
		return 0.65
	default:
		return 0.5
	}
}

// OTX API Response Types

// OTXPulse represents an OTX pulse (threat report).
type OTXPulse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Created     string   `json:"created"`
	Modified    string   `json:"modified"`
	Tags        []string `json:"tags"`
	Adversary   string   `json:"adversary,omitempty"`
}

// OTXGeneralResponse is the response from /indicators/{section}/{ip}/general.
type OTXGeneralResponse struct {
	Indicator   string       `json:"indicator"`
	Type        string       `json:"type"`
	Reputation  int          `json:"reputation"`
	PulseInfo   OTXPulseInfo `json:"pulse_info"`
	ASN         string       `json:"asn,omitempty"`
	CountryCode string       `json:"country_code,omitempty"`
}

// OTXPulseInfo contains pulse association info.
type OTXPulseInfo struct {
	Count  int        `json:"count"`
	Pulses []OTXPulse `json:"pulses"`
}
