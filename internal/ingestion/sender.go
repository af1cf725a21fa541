package ingestion

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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/event"
)

// HECSender forwards labeled events to Splunk via HEC. It implements
// notify.Publisher so it can sit beside the NATS publisher.
type HECSender struct {
	config     SenderConfig
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	mu         sync.RWMutex
	stats      SenderStats
	now        func() time.Time
}

// SenderConfig holds HEC sender configuration.
type SenderConfig struct {
	HECURL     string        `yaml:"hec_url"`
	TokenEnv   string        `yaml:"token_env"`
	Index      string        `yaml:"index"`
	SourceType string        `yaml:"sourcetype"`
	Source     string        `yaml:"source"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	VerifySSL  bool          `yaml:"verify_ssl"`
	// AppliedOnly skips classifications that were not applied as labels.
	AppliedOnly bool `yaml:"applied_only"`
}

// DefaultSenderConfig returns sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		TokenEnv:    "SPLUNK_HEC_TOKEN_OUTBOUND",
		Index:       "labelforge_labeled",
		SourceType:  "labelforge:label",
		Source:      "labelforge",
		Timeout:     30 * time.Second,
		RetryCount:  3,
		RetryDelay:  time.Second,
		VerifySSL:   true,
		AppliedOnly: true,
	}
}

// SenderStats tracks sender metrics.
type SenderStats struct {
	EventsSent   int64     `json:"events_sent"`
	EventsFailed int64     `json:"events_failed"`
	BytesSent    int64     `json:"bytes_sent"`
	LastSendAt   time.Time `json:"last_send_at"`
}

// LabelRecord is the event body written to the labeled index.
type LabelRecord struct {
	Kind           string               `json:"kind"`
	EventID        string               `json:"event_id"`
	SIEMSource     event.Source         `json:"siem_source"`
	RuleName       string               `json:"rule_name"`
	SourceIP       string               `json:"source_ip"`
	Severity       event.Severity       `json:"severity"`
	Classification event.Classification `json:"classification"`
	Confidence     float64              `json:"ml_confidence"`
	Applied        bool                 `json:"applied"`
	HumanVerified  bool                 `json:"human_verified"`
	Comment        string               `json:"verification_comment,omitempty"`
}

// NewHECSender creates a new HEC sender.
func NewHECSender(config SenderConfig, logger *zap.Logger) (*HECSender, error) {
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}
	if config.HECURL == "" {
		return nil, errors.New("HEC URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultSenderConfig().Timeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultSenderConfig().RetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !config.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &HECSender{
		config: config,
		token:  token,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		logger: logger,
		now:    time.Now,
	}, nil
}

// PublishClassified forwards a classifier decision.
func (s *HECSender) PublishClassified(ctx context.Context, e *event.Event, applied bool) error {
	if s.config.AppliedOnly && !applied {
		return nil
	}
	rec := s.record("classified", e)
	rec.Applied = applied
	if e.MLLabels != nil {
		rec.Classification = e.MLLabels.Clone()
	}
	return s.SendBatch(ctx, []LabelRecord{rec}, e.Timestamp)
}

// PublishVerified forwards an analyst verdict.
func (s *HECSender) PublishVerified(ctx context.Context, e *event.Event) error {
	rec := s.record("verified", e)
	rec.Applied = true
	rec.Classification = e.Classification.Clone()
	rec.Comment = e.VerificationComment
	return s.SendBatch(ctx, []LabelRecord{rec}, e.Timestamp)
}

// Close releases idle connections.
func (s *HECSender) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *HECSender) record(kind string, e *event.Event) LabelRecord {
	return LabelRecord{
		Kind:          kind,
		EventID:       e.EventID,
		SIEMSource:    e.SIEMSource,
		RuleName:      e.RuleName,
		SourceIP:      e.SourceIP,
		Severity:      e.Severity,
		Confidence:    e.MLConfidence,
		HumanVerified: e.HumanVerified,
	}
}

// SendBatch writes records as newline-delimited HEC events stamped with at.
func (s *HECSender) SendBatch(ctx context.Context, records []LabelRecord, at time.Time) error {
	if len(records) == 0 {
		return nil
	}
	if at.IsZero() {
		at = s.now()
	}

	var buf bytes.Buffer
	for _, rec := range records {
		data, err := json.Marshal(HECEvent{
			Time:       float64(at.UnixMilli()) / 1000,
			Source:     s.config.Source,
			SourceType: s.config.SourceType,
			Index:      s.config.Index,
			Event:      rec,
			Fields: map[string]any{
				"siem_source":    rec.SIEMSource,
				"human_verified": rec.HumanVerified,
			},
		})
		if err != nil {
			return fmt.Errorf("encoding HEC event %s: %w", rec.EventID, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := s.sendWithRetry(ctx, buf.Bytes()); err != nil {
		s.mu.Lock()
		s.stats.EventsFailed += int64(len(records))
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.stats.EventsSent += int64(len(records))
	s.stats.BytesSent += int64(buf.Len())
	s.stats.LastSendAt = s.now()
	s.mu.Unlock()
	return nil
}

// sendWithRetry retries transport failures and 5xx responses with
// exponential backoff. 4xx responses are not retried.
func (s *HECSender) sendWithRetry(ctx context.Context, data []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(s.config.RetryCount, 0))), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return s.send(ctx, data)
	}, policy, func(err error, wait time.Duration) {
		s.logger.Warn("HEC send failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return fmt.Errorf("failed after %d attempts: %w", attempt, err)
	}
	return nil
}

// send performs the actual HTTP request.
func (s *HECSender) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("HEC returned %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

// Stats returns current sender statistics.
func (s *HECSender) Stats() SenderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// HealthCheck verifies connectivity to Splunk HEC.
func (s *HECSender) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Splunk HEC returned status %d", resp.StatusCode)
	}
	return nil
}
