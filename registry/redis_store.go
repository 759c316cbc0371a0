package registry

import (
	"context"
	"fmt"
	"sort"

	redis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/leeforge/plugind/json"
	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/plugin"
)

const defaultKeyPrefix = "plugind"

// RedisConfig locates the Redis instance that holds registry entries.
type RedisConfig struct {
	Host      string `mapstructure:"host" json:"host" yaml:"host"`
	Port      string `mapstructure:"port" json:"port" yaml:"port"`
	Password  string `mapstructure:"password" json:"password" yaml:"password"`
	DB        int    `mapstructure:"db" json:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key-prefix" json:"keyPrefix" yaml:"key-prefix"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// RedisStore keeps every entry as one JSON field of a Redis hash.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects, pings, and returns a store rooted at <prefix>:registry.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger logging.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	logging.OrNop(logger).Info("registry store connected", zap.String("redis", redisConfigLogFields(cfg)))
	return NewRedisStoreFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, key: prefix + ":registry"}
}

func (s *RedisStore) Save(ctx context.Context, entry plugin.RegistryEntry) error {
	data, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key, entry.Manifest.ID, data).Err()
}

func (s *RedisStore) Delete(ctx context.Context, pluginID string) error {
	return s.client.HDel(ctx, s.key, pluginID).Err()
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]plugin.RegistryEntry, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]plugin.RegistryEntry, 0, len(raw))
	for id, v := range raw {
		var e plugin.RegistryEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("decode registry entry %q: %w", id, err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func redisConfigLogFields(cfg RedisConfig) string {
	return fmt.Sprintf("addr=%s db=%d password=%s", cfg.Addr(), cfg.DB, redactedPassword(cfg.Password))
}

func redactedPassword(password string) string {
	if password == "" {
		return "<empty>"
	}
	return "[REDACTED]"
}

var _ Store = (*RedisStore)(nil)
