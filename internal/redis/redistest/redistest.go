// Package redistest connects tests to a scratch redis database.
package redistest

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"ragdesk/internal/config"
	"ragdesk/internal/redis"
)

// Client returns a client on a flushed database, or skips the test unless
// RAGDESK_TEST_REDIS holds a host:port address. RAGDESK_TEST_REDIS_DB picks
// the database index.
func Client(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("RAGDESK_TEST_REDIS")
	if addr == "" {
		t.Skip("set RAGDESK_TEST_REDIS to run redis-backed tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("RAGDESK_TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Enabled: true,
			Host:    host,
			Port:    port,
			DB:      db,
		},
	}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Raw().FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush db: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}
