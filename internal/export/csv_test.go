// internal/export/csv_test.go
package export_test

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repotracker/internal/export"
	"repotracker/internal/store"
	"repotracker/internal/store/sqlite"
)

func seededStore(t *testing.T) store.Store {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	aliceID, err := st.EnsureStaff(ctx, "alice")
	require.NoError(t, err)
	repo, err := st.EnsureRepository(ctx, "widget", aliceID)
	require.NoError(t, err)
	branchID, err := st.EnsureBranch(ctx, repo.ID, "main")
	require.NoError(t, err)

	when := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	_, _, err = st.InsertCommitIfAbsent(ctx, store.Commit{
		AuthorID:    aliceID,
		BranchID:    branchID,
		Hash:        "abc123",
		Comment:     "fix the frobnicator",
		Date:        when,
		FileChanges: 2,
	})
	require.NoError(t, err)
	return st
}

func TestDumpCommits(t *testing.T) {
	st := seededStore(t)
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := export.NewExporter(st, dir, logger)
	path, err := e.DumpCommits(context.Background(), "commits_dump.csv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "commits_dump.csv"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, []string{"Repository", "Hash", "Author", "Branch", "Comment", "Date", "FileChanges"}, records[0])
	assert.Equal(t, []string{"widget", "abc123", "alice", "main", "fix the frobnicator", "2024-03-15T10:30:00Z", "2"}, records[1])
}

func TestDumpCommitsEmptyStore(t *testing.T) {
	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e := export.NewExporter(st, t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	path, err := e.DumpCommits(context.Background(), "empty.csv")
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 1, "header only")
}

func TestDumpCommitsCreatesDir(t *testing.T) {
	st := seededStore(t)
	dir := filepath.Join(t.TempDir(), "nested", "dumps")

	e := export.NewExporter(st, dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	path, err := e.DumpCommits(context.Background(), "commits_dump.csv")
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
