package enrichment

import (
	"context"
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/event"
	"github.com/lvonguyen/labelforge/internal/observability"
)

const (
	defaultCacheTTL  = time.Hour
	defaultCacheSize = 10000
)

// Report is the threat intelligence context for one event.
type Report struct {
	EventKey string `json:"event_key"`
	SourceIP string `json:"source_ip"`
	// Skipped explains why no lookup was made.
	Skipped   string            `json:"skipped,omitempty"`
	Matches   []Match           `json:"matches"`
	Errors    map[string]string `json:"errors,omitempty"`
	RiskScore int               `json:"risk_score"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Options configures an Enricher.
type Options struct {
	CacheTTL  time.Duration
	CacheSize int
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Enricher fans a source-IP lookup out to every provider. Hits and misses are
// cached per provider; failures are not.
type Enricher struct {
	providers []Provider
	cache     *expirable.LRU[string, *Match]
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewEnricher creates an enricher over providers.
func NewEnricher(providers []Provider, opts Options) *Enricher {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Enricher{
		providers: providers,
		cache:     expirable.NewLRU[string, *Match](opts.CacheSize, nil, opts.CacheTTL),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       time.Now,
	}
}

// Providers returns the configured provider names.
func (en *Enricher) Providers() []string {
	names := make([]string, len(en.providers))
	for i, p := range en.providers {
		names[i] = p.Name()
	}
	return names
}

// Lookup checks the event's source IP. Unknown, private and otherwise
// non-routable addresses are skipped without contacting any provider.
func (en *Enricher) Lookup(ctx context.Context, e *event.Event) Report {
	report := Report{
		EventKey:  e.Key(),
		SourceIP:  e.SourceIP,
		Matches:   []Match{},
		CheckedAt: en.now().UTC(),
	}

	addr, err := netip.ParseAddr(e.SourceIP)
	switch {
	case err != nil:
		report.Skipped = "source IP is not an address"
		return report
	case !routable(addr):
		report.Skipped = "source IP is not publicly routable"
		return report
	}
	ip := addr.Unmap().String()

	type outcome struct {
		name  string
		match *Match
		err   error
	}
	outcomes := make([]outcome, len(en.providers))

	var wg sync.WaitGroup
	for i, p := range en.providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := en.check(ctx, p, ip)
			outcomes[i] = outcome{name: p.Name(), match: m, err: err}
		}()
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.err != nil {
			if report.Errors == nil {
				report.Errors = make(map[string]string)
			}
			report.Errors[o.name] = o.err.Error()
			continue
		}
		if o.match != nil {
			report.Matches = append(report.Matches, *o.match)
		}
	}
	report.RiskScore = RiskScore(report.Matches)
	return report
}

func (en *Enricher) check(ctx context.Context, p Provider, ip string) (*Match, error) {
	key := p.Name() + ":" + ip
	if m, ok := en.cache.Get(key); ok {
		en.observe(p.Name(), "cached")
		return m, nil
	}

	m, err := p.CheckIP(ctx, ip)
	if err != nil {
		en.observe(p.Name(), "error")
		en.logger.Warn("Threat intel lookup failed",
			zap.String("provider", p.Name()),
			zap.String("ip", ip),
			zap.Error(err),
		)
		return nil, err
	}

	en.cache.Add(key, m)
	if m == nil {
		en.observe(p.Name(), "miss")
	} else {
		en.observe(p.Name(), "hit")
	}
	return m, nil
}

func (en *Enricher) observe(provider, outcome string) {
	if en.metrics != nil {
		en.metrics.IntelLookups.WithLabelValues(provider, outcome).Inc()
	}
}

// HealthCheck checks every provider and returns failures by name.
func (en *Enricher) HealthCheck(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, p := range en.providers {
		if err := p.HealthCheck(ctx); err != nil {
			failures[p.Name()] = err
		}
	}
	return failures
}

// RiskScore is the strongest match, confidence scaled by severity, on 0-100.
func RiskScore(matches []Match) int {
	var best float64
	for _, m := range matches {
		w, ok := severityWeight[m.Indicator.Severity]
		if !ok {
			w = severityWeight["low"]
		}
		best = max(best, m.Indicator.Confidence*w)
	}
	return int(math.Round(best * 100))
}

func routable(addr netip.Addr) bool {
	return addr.IsValid() &&
		!addr.IsPrivate() &&
		!addr.IsLoopback() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsMulticast() &&
		!addr.IsUnspecified()
}
