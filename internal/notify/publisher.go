// Package notify publishes classification and verification outcomes so other
// services can react to newly labeled events.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/event"
)

const (
	SubjectClassified = "labelforge.events.classified"
	SubjectVerified   = "labelforge.events.verified"

	headerEventKey = "Labelforge-Event-Key"
)

// Outcome is the message body for both subjects.
type Outcome struct {
	EventID        string               `json:"event_id"`
	SIEMSource     event.Source         `json:"siem_source"`
	Classification event.Classification `json:"classification"`
	Confidence     float64              `json:"confidence"`
	Applied        bool                 `json:"applied"`
	HumanVerified  bool                 `json:"human_verified"`
	Timestamp      time.Time            `json:"timestamp"`
}

// Publisher announces label changes.
type Publisher interface {
	PublishClassified(ctx context.Context, e *event.Event, applied bool) error
	PublishVerified(ctx context.Context, e *event.Event) error
	Close() error
}

// Nop discards every message.
type Nop struct{}

func (Nop) PublishClassified(context.Context, *event.Event, bool) error { return nil }
func (Nop) PublishVerified(context.Context, *event.Event) error         { return nil }
func (Nop) Close() error                                                { return nil }

// Multi fans every message out to each publisher and joins their errors.
type Multi []Publisher

func (m Multi) PublishClassified(ctx context.Context, e *event.Event, applied bool) error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.PublishClassified(ctx, e, applied))
	}
	return errors.Join(errs...)
}

func (m Multi) PublishVerified(ctx context.Context, e *event.Event) error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.PublishVerified(ctx, e))
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// msgConn is the subset of *nats.Conn the publisher uses.
type msgConn interface {
	PublishMsg(m *nats.Msg) error
	Flush() error
	Close()
}

var propagator = propagation.TraceContext{}

// NATSPublisher publishes outcomes to NATS with trace context in the headers.
type NATSPublisher struct {
	conn   msgConn
	logger *zap.Logger
	now    func() time.Time
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
}

// DefaultNATSConfig returns a local development connection.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "labelforge",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSPublisher connects to cfg.URL.
func NewNATSPublisher(cfg NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	return newNATSPublisher(conn, logger), nil
}

func newNATSPublisher(conn msgConn, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, logger: logger, now: time.Now}
}

// PublishClassified announces a classification result.
func (p *NATSPublisher) PublishClassified(ctx context.Context, e *event.Event, applied bool) error {
	out := p.outcome(e)
	out.Applied = applied
	if e.MLLabels != nil {
		out.Classification = e.MLLabels.Clone()
	}
	return p.publish(ctx, SubjectClassified, e, out)
}

// PublishVerified announces an analyst verdict.
func (p *NATSPublisher) PublishVerified(ctx context.Context, e *event.Event) error {
	out := p.outcome(e)
	out.Classification = e.Classification.Clone()
	return p.publish(ctx, SubjectVerified, e, out)
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	err := p.conn.Flush()
	p.conn.Close()
	return err
}

func (p *NATSPublisher) outcome(e *event.Event) Outcome {
	return Outcome{
		EventID:       e.EventID,
		SIEMSource:    e.SIEMSource,
		Confidence:    e.MLConfidence,
		HumanVerified: e.HumanVerified,
		Timestamp:     p.now().UTC(),
	}
}

func (p *NATSPublisher) publish(ctx context.Context, subject string, e *event.Event, out Outcome) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", subject, err)
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	hdr.Set(headerEventKey, e.Key())

	if err := p.conn.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr}); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	p.logger.Debug("Published event outcome",
		zap.String("subject", subject),
		zap.String("event_id", e.EventID),
	)
	return nil
}
