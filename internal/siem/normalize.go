package siem

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/labelforge/internal/event"
)

// fields is a decoded vendor log. Numbers are kept as json.Number so
// identifiers survive without float rounding.
type fields map[string]any

func decodeFields(raw json.RawMessage) (fields, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding vendor log: %w", err)
	}
	if m == nil {
		return nil, errors.New("vendor log is not a JSON object")
	}
	return fields(m), nil
}

func (f fields) lookup(path ...string) (any, bool) {
	var cur any = map[string]any(f)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// str returns the scalar at path as a string, "" when absent or empty.
func (f fields) str(path ...string) string {
	v, ok := f.lookup(path...)
	if !ok {
		return ""
	}
	return scalarString(v)
}

// first returns the first non-empty string among the given dotted paths.
func (f fields) first(paths ...string) string {
	for _, p := range paths {
		if s := f.str(strings.Split(p, ".")...); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		if len(t) > 0 {
			return scalarString(t[0])
		}
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil && !math.IsNaN(f)
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTime reads ISO-8601 variants and epoch seconds. Unparseable or absent
// values fall back to the ingestion time.
func parseTime(v any, fallback time.Time) time.Time {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC()
			}
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return epoch(secs)
		}
	case json.Number:
		if secs, err := t.Float64(); err == nil {
			return epoch(secs)
		}
	}
	return fallback.UTC()
}

func epoch(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

// stableID hashes the canonical JSON form of a record that carries no identifier.
func stableID(f fields) string {
	data, err := json.Marshal(map[string]any(f))
	if err != nil {
		data = []byte(fmt.Sprint(map[string]any(f)))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// wazuhSeverity maps a Wazuh rule level onto the canonical bands.
func wazuhSeverity(level float64) event.Severity {
	switch {
	case level <= 3:
		return event.SeverityLow
	case level <= 6:
		return event.SeverityMedium
	case level <= 9:
		return event.SeverityHigh
	default:
		return event.SeverityCritical
	}
}

var splunkSeverities = map[string]event.Severity{
	"debug":       event.SeverityLow,
	"info":        event.SeverityLow,
	"information": event.SeverityLow,
	"notice":      event.SeverityLow,
	"low":         event.SeverityLow,
	"warning":     event.SeverityMedium,
	"medium":      event.SeverityMedium,
	"error":       event.SeverityHigh,
	"high":        event.SeverityHigh,
	"critical":    event.SeverityCritical,
	"alert":       event.SeverityCritical,
	"emergency":   event.SeverityCritical,
}

// splunkSeverity maps a syslog-style word; unknown words are medium.
func splunkSeverity(word string) event.Severity {
	if sev, ok := splunkSeverities[strings.ToLower(strings.TrimSpace(word))]; ok {
		return sev
	}
	return event.SeverityMedium
}

var elasticSeverities = map[string]event.Severity{
	"info":     event.SeverityLow,
	"low":      event.SeverityLow,
	"warning":  event.SeverityMedium,
	"medium":   event.SeverityMedium,
	"error":    event.SeverityHigh,
	"high":     event.SeverityHigh,
	"critical": event.SeverityCritical,
}

// elasticSeverity reads event.severity as a 0-10 number or a word.
func elasticSeverity(v any, present bool) event.Severity {
	if !present {
		return event.SeverityMedium
	}
	if n, ok := toFloat(v); ok {
		switch {
		case n <= 3:
			return event.SeverityLow
		case n <= 6:
			return event.SeverityMedium
		case n <= 8:
			return event.SeverityHigh
		default:
			return event.SeverityCritical
		}
	}
	if s, ok := v.(string); ok {
		if sev, ok := elasticSeverities[strings.ToLower(strings.TrimSpace(s))]; ok {
			return sev
		}
	}
	return event.SeverityMedium
}

func orUnknown(ip string) string {
	if ip == "" {
		return event.UnknownIP
	}
	return ip
}

// compactRaw keeps the vendor payload verbatim minus insignificant whitespace.
func compactRaw(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return json.RawMessage(buf.Bytes())
}
