// Package enrichment looks up the source IP of an event in threat
// intelligence feeds, giving analysts context while they verify labels.
package enrichment

import (
	"context"
	"time"
)

// ThreatType categorizes the threat.
type ThreatType string

const (
	ThreatTypeMalware    ThreatType = "malware"
	ThreatTypeC2         ThreatType = "c2"
	ThreatTypePhishing   ThreatType = "phishing"
	ThreatTypeBotnet     ThreatType = "botnet"
	ThreatTypeScanner    ThreatType = "scanner"
	ThreatTypeTOR        ThreatType = "tor"
	ThreatTypeVPN        ThreatType = "vpn"
	ThreatTypeProxy      ThreatType = "proxy"
	ThreatTypeSpam       ThreatType = "spam"
	ThreatTypeAPT        ThreatType = "apt"
	ThreatTypeRansomware ThreatType = "ransomware"
	ThreatTypeUnknown    ThreatType = "unknown"
)

// Indicator is a feed entry for an IP address.
type Indicator struct {
	ID          string     `json:"id"`
	Value       string     `json:"value"`
	ThreatType  ThreatType `json:"threat_type"`
	Confidence  float64    `json:"confidence"`
	Severity    string     `json:"severity"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastSeen    time.Time  `json:"last_seen"`
	Tags        []string   `json:"tags"`
	Description string     `json:"description,omitempty"`
	Reference   string     `json:"reference,omitempty"`
}

// Match is a feed hit for a looked-up address.
type Match struct {
	Indicator Indicator `json:"indicator"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Provider is a threat intelligence source. CheckIP returns nil, nil when
// the address is unknown to the feed.
type Provider interface {
	Name() string
	CheckIP(ctx context.Context, ip string) (*Match, error)
	HealthCheck(ctx context.Context) error
}

// ProviderConfig holds common provider configuration.
type ProviderConfig struct {
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout: 30 * time.Second,
	}
}

// severityWeight scales indicator confidence into a risk score.
var severityWeight = map[string]float64{
	"critical": 1.0,
	"high":     0.8,
	"medium":   0.6,
	"low":      0.4,
}
