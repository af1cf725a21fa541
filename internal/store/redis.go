package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/labelforge/internal/event"
)

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// DefaultRedisConfig returns a local development connection.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:        "localhost:6379",
		PasswordEnv: "LABELFORGE_REDIS_PASSWORD",
		PoolSize:    10,
		KeyPrefix:   "labelforge",
	}
}

// ClientOptions resolves the password from PasswordEnv.
func (c RedisConfig) ClientOptions() *redis.Options {
	opts := &redis.Options{
		Addr:     c.Addr,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	}
	if c.PasswordEnv != "" {
		opts.Password = os.Getenv(c.PasswordEnv)
	}
	return opts
}

// RedisStore keeps events as JSON in a hash keyed by event key. Sorted sets
// scored by ml_timestamp (unix milliseconds) index verified and pending events.
// Performance snapshots live in a list, newest at the head.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger

	eventsKey      string
	verifiedKey    string
	unverifiedKey  string
	performanceKey string
}

// NewRedisStore wraps client. prefix namespaces every key.
func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "labelforge"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:         client,
		logger:         logger,
		eventsKey:      prefix + ":events",
		verifiedKey:    prefix + ":events:verified",
		unverifiedKey:  prefix + ":events:unverified",
		performanceKey: prefix + ":performance",
	}
}

// SaveEvents stores events with HSETNX so existing keys are never overwritten.
func (s *RedisStore) SaveEvents(ctx context.Context, events []*event.Event) (int, int, error) {
	saved, duplicates := 0, 0
	for _, e := range events {
		if e == nil {
			continue
		}
		data, err := json.Marshal(e)
		if err != nil {
			return saved, duplicates, fmt.Errorf("encoding event %s: %w", e.Key(), err)
		}
		created, err := s.client.HSetNX(ctx, s.eventsKey, e.Key(), data).Result()
		if err != nil {
			return saved, duplicates, fmt.Errorf("saving event %s: %w", e.Key(), err)
		}
		if !created {
			duplicates++
			continue
		}
		if err := s.index(ctx, e); err != nil {
			return saved, duplicates, err
		}
		saved++
	}
	return saved, duplicates, nil
}

// Get returns the event stored under key.
func (s *RedisStore) Get(ctx context.Context, key string) (*event.Event, error) {
	if _, _, err := SplitKey(key); err != nil {
		return nil, err
	}
	data, err := s.client.HGet(ctx, s.eventsKey, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("event %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading event %s: %w", key, err)
	}
	return decodeEvent(data)
}

// Update replaces an existing event and refreshes its index membership.
func (s *RedisStore) Update(ctx context.Context, e *event.Event) error {
	exists, err := s.client.HExists(ctx, s.eventsKey, e.Key()).Result()
	if err != nil {
		return fmt.Errorf("checking event %s: %w", e.Key(), err)
	}
	if !exists {
		return fmt.Errorf("event %s: %w", e.Key(), ErrNotFound)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", e.Key(), err)
	}
	if err := s.client.HSet(ctx, s.eventsKey, e.Key(), data).Err(); err != nil {
		return fmt.Errorf("updating event %s: %w", e.Key(), err)
	}
	return s.index(ctx, e)
}

// index places e in at most one of the verified and unverified sets.
func (s *RedisStore) index(ctx context.Context, e *event.Event) error {
	key := e.Key()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.verifiedKey, key)
		pipe.ZRem(ctx, s.unverifiedKey, key)
		if !e.MLProcessed || e.MLTimestamp == nil {
			return nil
		}
		member := redis.Z{Score: float64(e.MLTimestamp.UnixMilli()), Member: key}
		if e.HumanVerified {
			pipe.ZAdd(ctx, s.verifiedKey, member)
		} else {
			pipe.ZAdd(ctx, s.unverifiedKey, member)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("indexing event %s: %w", key, err)
	}
	return nil
}

func scoreRange(f VerifiedFilter) *redis.ZRangeBy {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if f.Start != nil {
		rng.Min = strconv.FormatInt(f.Start.UnixMilli(), 10)
	}
	if f.End != nil {
		rng.Max = strconv.FormatInt(f.End.UnixMilli(), 10)
	}
	return rng
}

// CountVerified counts verified events in the filter's time range.
func (s *RedisStore) CountVerified(ctx context.Context, f VerifiedFilter) (int, error) {
	rng := scoreRange(f)
	n, err := s.client.ZCount(ctx, s.verifiedKey, rng.Min, rng.Max).Result()
	if err != nil {
		return 0, fmt.Errorf("counting verified events: %w", err)
	}
	return int(n), nil
}

// ListVerified returns one page of verified events ordered by ml_timestamp.
func (s *RedisStore) ListVerified(ctx context.Context, f VerifiedFilter) ([]*event.Event, error) {
	rng := scoreRange(f)
	if f.Limit > 0 {
		rng.Offset = int64(max(f.Offset, 0))
		rng.Count = int64(f.Limit)
	} else if f.Offset > 0 {
		rng.Offset = int64(f.Offset)
		rng.Count = -1
	}

	keys, err := s.client.ZRangeByScore(ctx, s.verifiedKey, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("listing verified events: %w", err)
	}
	return s.load(ctx, keys)
}

// ListUnverified returns pending events, newest first.
func (s *RedisStore) ListUnverified(ctx context.Context, limit int) ([]*event.Event, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	keys, err := s.client.ZRevRange(ctx, s.unverifiedKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("listing unverified events: %w", err)
	}
	return s.load(ctx, keys)
}

// load fetches events by key in order, skipping keys removed since indexing.
func (s *RedisStore) load(ctx context.Context, keys []string) ([]*event.Event, error) {
	if len(keys) == 0 {
		return []*event.Event{}, nil
	}
	values, err := s.client.HMGet(ctx, s.eventsKey, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}

	out := make([]*event.Event, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			s.logger.Warn("Indexed event missing from store", zap.String("key", keys[i]))
			continue
		}
		e, err := decodeEvent([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// SavePerformance pushes a snapshot to the head of the history list.
func (s *RedisStore) SavePerformance(ctx context.Context, r *event.PerformanceRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding performance record: %w", err)
	}
	if err := s.client.LPush(ctx, s.performanceKey, data).Err(); err != nil {
		return fmt.Errorf("saving performance record: %w", err)
	}
	return nil
}

// LatestPerformance returns the newest snapshot.
func (s *RedisStore) LatestPerformance(ctx context.Context) (*event.PerformanceRecord, error) {
	data, err := s.client.LIndex(ctx, s.performanceKey, 0).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("performance record: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading performance record: %w", err)
	}
	return decodeRecord(data)
}

// ListPerformance returns up to limit snapshots, newest first.
func (s *RedisStore) ListPerformance(ctx context.Context, limit int) ([]*event.PerformanceRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	values, err := s.client.LRange(ctx, s.performanceKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("listing performance records: %w", err)
	}
	out := make([]*event.PerformanceRecord, 0, len(values))
	for _, v := range values {
		r, err := decodeRecord([]byte(v))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeEvent(data []byte) (*event.Event, error) {
	var e event.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	return &e, nil
}

func decodeRecord(data []byte) (*event.PerformanceRecord, error) {
	var r event.PerformanceRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding performance record: %w", err)
	}
	return &r, nil
}
