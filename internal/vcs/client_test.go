// internal/vcs/client_test.go
package vcs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "repotracker/internal/errors"
	"repotracker/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientEnsureClonesThenFetches(t *testing.T) {
	originDir := t.TempDir()
	origin := initRepo(t, originDir)

	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	h1 := addCommit(t, origin, originDir, "a.txt", "one", "alice", "first", base)

	c, err := NewClient(t.TempDir(), testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Ensure(ctx, originDir, "proj"))

	r, err := c.Open("proj")
	require.NoError(t, err)
	branches, err := r.Branches()
	require.NoError(t, err)
	require.Contains(t, branches, "master")

	var hashes []string
	require.NoError(t, r.WalkCommits(ctx, "master", func(f model.CommitFact) error {
		hashes = append(hashes, f.Hash)
		return nil
	}))
	assert.Equal(t, []string{h1}, hashes)

	// New upstream commit appears after a refresh.
	h2 := addCommit(t, origin, originDir, "b.txt", "two", "bob", "second", base.Add(time.Hour))
	require.NoError(t, c.Ensure(ctx, originDir, "proj"))

	r, err = c.Open("proj")
	require.NoError(t, err)
	hashes = nil
	require.NoError(t, r.WalkCommits(ctx, "master", func(f model.CommitFact) error {
		hashes = append(hashes, f.Hash)
		return nil
	}))
	assert.Equal(t, []string{h1, h2}, hashes)

	// A refresh with nothing new is not an error.
	require.NoError(t, c.Ensure(ctx, originDir, "proj"))
}

func TestClientEnsureBadRemote(t *testing.T) {
	c, err := NewClient(t.TempDir(), testLogger())
	require.NoError(t, err)

	err = c.Ensure(context.Background(), t.TempDir()+"/does-not-exist", "ghost")
	assert.ErrorIs(t, err, custom_errors.ErrFetchFailed)
}

func TestClientOpenMissingCopy(t *testing.T) {
	c, err := NewClient(t.TempDir(), testLogger())
	require.NoError(t, err)

	_, err = c.Open("never-cloned")
	assert.ErrorIs(t, err, custom_errors.ErrCorruptHistory)
}

func TestClientLeaseExcludes(t *testing.T) {
	c, err := NewClient(t.TempDir(), testLogger())
	require.NoError(t, err)

	release, err := c.Lease(context.Background(), "proj")
	require.NoError(t, err)

	// A second lease on the same repository blocks until the context
	// expires.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = c.Lease(ctx, "proj")
	assert.ErrorIs(t, err, custom_errors.ErrFetchFailed)

	release()

	release2, err := c.Lease(context.Background(), "proj")
	require.NoError(t, err)
	release2()
}

func TestClientLeasesAreIndependent(t *testing.T) {
	c, err := NewClient(t.TempDir(), testLogger())
	require.NoError(t, err)

	releaseA, err := c.Lease(context.Background(), "alpha")
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := c.Lease(context.Background(), "beta")
	require.NoError(t, err)
	releaseB()
}
