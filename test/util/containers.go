// Package util provides shared container-backed fixtures for integration
// tests.
package util

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/fleetbeat/fleetbeat/pkg/store"
)

var (
	mongoOnce sync.Once
	mongoURI  string
	mongoErr  error

	redisOnce sync.Once
	redisURL  string
	redisErr  error

	dbCounter  int
	dbCounterM sync.Mutex
)

// MongoURI returns a connection string to the shared MongoDB instance.
// In CI (CI_MONGO_URI set) it points at the external service container;
// locally a testcontainer is started once per package.
func MongoURI(t *testing.T) string {
	t.Helper()
	if uri := os.Getenv("CI_MONGO_URI"); uri != "" {
		return uri
	}

	mongoOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared MongoDB testcontainer")
		container, err := mongodb.Run(ctx, "mongo:7")
		if err != nil {
			mongoErr = err
			return
		}
		mongoURI, mongoErr = container.ConnectionString(ctx)
	})
	require.NoError(t, mongoErr)
	return mongoURI
}

// RedisURL returns a connection string to the shared redis instance, for
// tests that exercise the redis backplane. CI_REDIS_URL overrides.
func RedisURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("CI_REDIS_URL"); url != "" {
		return url
	}

	redisOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared redis testcontainer")
		container, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			redisErr = err
			return
		}
		redisURL, redisErr = container.ConnectionString(ctx)
	})
	require.NoError(t, redisErr)
	return redisURL
}

// NewTestStore connects a store client to a fresh database on the shared
// MongoDB instance. Each call gets its own database so tests stay isolated;
// the database is dropped when the test ends.
func NewTestStore(t *testing.T) *store.Client {
	t.Helper()
	ctx := context.Background()

	dbCounterM.Lock()
	dbCounter++
	name := fmt.Sprintf("fleetbeat_test_%d_%d", os.Getpid(), dbCounter)
	dbCounterM.Unlock()

	client, err := store.NewClient(ctx, store.Config{
		URI:      MongoURI(t),
		Database: name,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := client.Drop(context.Background()); err != nil {
			t.Logf("Warning: failed to drop test database %s: %v", name, err)
		}
		_ = client.Close(context.Background())
	})

	return client
}
