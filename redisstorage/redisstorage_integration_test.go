//go:build integration

package redisstorage

import (
	"context"
	"flag"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/cachekit/cachekit/storagetest"
)

const (
	skipIntegrationMsg = "skipping integration test; use -integration.redis flag to enable"
	redisImage         = "redis:7-alpine"
)

var (
	sharedRedisContainer testcontainers.Container
	sharedRedisEndpoint  string
)

func TestMain(m *testing.M) {
	flag.Parse()

	ctx := context.Background()

	container, err := rediscontainer.Run(ctx, redisImage)
	if err != nil {
		panic("failed to start Redis container: " + err.Error())
	}
	sharedRedisContainer = container

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		_ = testcontainers.TerminateContainer(container)
		panic("failed to get Redis endpoint: " + err.Error())
	}
	sharedRedisEndpoint = endpoint

	code := m.Run()

	if err := testcontainers.TerminateContainer(container); err != nil {
		panic("failed to terminate Redis container: " + err.Error())
	}

	os.Exit(code)
}

func setupRedisStorage(t *testing.T) (*Storage, func()) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: sharedRedisEndpoint})
	ctx := context.Background()

	cleanup := func() { _ = client.Close() }

	if err := client.FlushAll(ctx).Err(); err != nil {
		cleanup()
		t.Fatalf("failed to flush Redis: %v", err)
	}

	return NewWithClient(client), cleanup
}

func TestRedisStorageIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip(skipIntegrationMsg)
	}

	s, cleanup := setupRedisStorage(t)
	defer cleanup()

	storagetest.Storage(t, s)
}

func TestRedisStorageNewIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip(skipIntegrationMsg)
	}

	s, err := New(Config{Address: sharedRedisEndpoint})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	defer s.Close()

	storagetest.Storage(t, s)
}

func TestRedisStorageNewWithEmptyAddress(t *testing.T) {
	if testing.Short() {
		t.Skip(skipIntegrationMsg)
	}

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error with empty address")
	}
}
