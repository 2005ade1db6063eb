// Package integration provides integration tests for the knowledge platform.
// Tests here start real Postgres and Redis containers and exercise the
// storage, broker, and retrieval layers against them.
package integration

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"

	"github.com/spherical-ai/knowledge-platform/internal/storage"
)

// containerSetup holds the test container infrastructure.
type containerSetup struct {
	PostgresConnStr string
	RedisAddr       string
}

// setupContainers starts PostgreSQL and Redis and registers cleanup.
func setupContainers(t *testing.T) *containerSetup {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container tests in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("knowledge_platform_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate postgres container: %v", err)
		}
	})

	pgHost, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	redisContainer, err := tcredis.Run(ctx,
		"redis:7.4-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := redisContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	})

	redisHost, err := redisContainer.Host(ctx)
	require.NoError(t, err)
	redisPort, err := redisContainer.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return &containerSetup{
		PostgresConnStr: fmt.Sprintf("postgres://test:test@%s:%s/knowledge_platform_test?sslmode=disable",
			pgHost, pgPort.Port()),
		RedisAddr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
	}
}

// openRepo connects to the container database and applies the schema.
func openRepo(t *testing.T, setup *containerSetup) (*storage.MetadataRepo, *sql.DB) {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, storage.PoolConfig{DSN: setup.PostgresConnStr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := storage.NewMetadataRepo(db, "english")
	require.NoError(t, repo.EnsureSchema(ctx))
	return repo, db
}
