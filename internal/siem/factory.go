package siem

import (
	"strings"

	"github.com/lvonguyen/labelforge/internal/event"
)

// NewConnector returns the connector for siemType (wazuh, splunk or elastic,
// case-insensitive).
func NewConnector(siemType, apiURL, apiKey string, opts Options) (Connector, error) {
	switch event.Source(strings.ToLower(strings.TrimSpace(siemType))) {
	case event.SourceWazuh:
		return NewWazuhConnector(apiURL, apiKey, opts), nil
	case event.SourceSplunk:
		return NewSplunkConnector(apiURL, apiKey, opts), nil
	case event.SourceElastic:
		return NewElasticConnector(apiURL, apiKey, opts), nil
	default:
		return nil, &UnsupportedVendorError{Type: siemType}
	}
}

// SupportedVendors lists the SIEM types NewConnector accepts.
func SupportedVendors() []event.Source {
	return []event.Source{event.SourceWazuh, event.SourceSplunk, event.SourceElastic}
}
