package registry

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeforge/plugind/plugin"
)

func TestRedisConfigLogFields_RedactsPassword(t *testing.T) {
	cfg := RedisConfig{Host: "127.0.0.1", Port: "6379", Password: "super-secret", DB: 2}

	fields := redisConfigLogFields(cfg)
	if strings.Contains(fields, cfg.Password) {
		t.Fatalf("log fields leak password: %s", fields)
	}
	if !strings.Contains(fields, "password=[REDACTED]") {
		t.Fatalf("log fields should contain redaction marker, got: %s", fields)
	}
	if redisConfigLogFields(RedisConfig{Host: "h", Port: "1"}) != "addr=h:1 db=0 password=<empty>" {
		t.Fatalf("unexpected fields for empty password")
	}
}

func integrationRedisConfig(t *testing.T) RedisConfig {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("REDIS_TEST_ADDR"))
	if addr == "" {
		t.Skip("set REDIS_TEST_ADDR to run redis integration tests")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("invalid REDIS_TEST_ADDR %q: %v", addr, err)
	}
	return RedisConfig{
		Host:      host,
		Port:      port,
		Password:  os.Getenv("REDIS_TEST_PASSWORD"),
		KeyPrefix: "plugind-test-" + strings.ReplaceAll(t.Name(), "/", "-"),
	}
}

func TestRedisStore_RoundTrip(t *testing.T) {
	cfg := integrationRedisConfig(t)
	ctx := context.Background()

	store, err := NewRedisStore(ctx, cfg, nil)
	require.NoError(t, err)
	defer store.Close()
	defer store.client.Del(ctx, store.key)

	entry := plugin.RegistryEntry{
		Manifest: plugin.Manifest{
			ID: "core-plugin", Name: "core", Version: "1.0.0", EntryPoint: "/bin/core",
			SecurityLevel:  plugin.SecurityStrict,
			ResourceLimits: plugin.ResourceLimits{MaxMemoryBytes: plugin.Uint64(256 << 20)},
		},
		Status: plugin.StatusInstalled,
	}
	require.NoError(t, store.Save(ctx, entry))

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, plugin.SecurityStrict, loaded[0].Manifest.SecurityLevel)
	assert.Equal(t, uint64(256<<20), *loaded[0].Manifest.ResourceLimits.MaxMemoryBytes)

	require.NoError(t, store.Delete(ctx, "core-plugin"))
	loaded, err = store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
