//go:build integration

// internal/store/postgres/store_test.go
package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"repotracker/internal/store"
	"repotracker/internal/store/storetest"
)

func TestStoreConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := pgcontainer.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		pgcontainer.WithDatabase("repotracker-test"),
		pgcontainer.WithUsername("user"),
		pgcontainer.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	storetest.Run(t, func(t *testing.T) store.Store {
		// The suite expects an empty store per subtest.
		_, err := s.pool.Exec(ctx, `
			TRUNCATE staff, repository, branch, commits, repository_collaborators,
				milestones, labels, issues, issue_comments, issue_labels, issue_assignees
			RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
		return s
	})
}
