package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lvonguyen/labelforge/internal/event"
)

const (
	defaultCacheTTL  = 60 * time.Minute
	defaultCacheSize = 1000
)

// resultCache holds provider batch results keyed by the ordered event keys.
// Reads use Peek so eviction order stays least-recently-inserted.
type resultCache struct {
	lru *expirable.LRU[string, []Result]
}

func newResultCache(size int, ttl time.Duration) *resultCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &resultCache{lru: expirable.NewLRU[string, []Result](size, nil, ttl)}
}

func (c *resultCache) get(key string) ([]Result, bool) {
	results, ok := c.lru.Peek(key)
	if !ok {
		return nil, false
	}
	return cloneResults(results), true
}

func (c *resultCache) add(key string, results []Result) {
	c.lru.Add(key, cloneResults(results))
}

func (c *resultCache) purge() { c.lru.Purge() }

func (c *resultCache) len() int { return c.lru.Len() }

// batchKey identifies an ordered set of events.
func batchKey(events []*event.Event) string {
	h := sha256.New()
	for _, e := range events {
		h.Write([]byte(e.Key()))
		h.Write([]byte{0})
	}
	return "batch:" + hex.EncodeToString(h.Sum(nil))
}

func cloneResults(in []Result) []Result {
	out := make([]Result, len(in))
	for i, r := range in {
		out[i] = r
		out[i].Classification = r.Classification.Clone()
	}
	return out
}
