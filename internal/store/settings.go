package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lvonguyen/labelforge/internal/classify"
)

// RedisSettingsSource reads classifier settings from a Redis hash whose fields
// are the settings keys ("ml.min_confidence_threshold", "ml.model_type", ...).
// Fields override base; a missing hash yields base.
type RedisSettingsSource struct {
	client *redis.Client
	key    string
	base   classify.Settings
}

// NewRedisSettingsSource reads overrides of base from the hash at key.
func NewRedisSettingsSource(client *redis.Client, key string, base classify.Settings) *RedisSettingsSource {
	return &RedisSettingsSource{client: client, key: key, base: base}
}

// Load implements classify.SettingsSource.
func (s *RedisSettingsSource) Load(ctx context.Context) (classify.Settings, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return s.base, fmt.Errorf("loading settings from %s: %w", s.key, err)
	}
	return classify.ParseSettingsOver(s.base, values)
}
