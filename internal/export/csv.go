// internal/export/csv.go

// Package export serializes the state store to CSV. Read-only; nothing is
// ever written back.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"repotracker/internal/store"
)

var header = []string{"Repository", "Hash", "Author", "Branch", "Comment", "Date", "FileChanges"}

// Exporter dumps commit data into a destination directory.
type Exporter struct {
	store  store.Store
	dir    string
	logger *slog.Logger
}

// NewExporter creates an Exporter writing into dir.
func NewExporter(st store.Store, dir string, logger *slog.Logger) *Exporter {
	return &Exporter{store: st, dir: dir, logger: logger}
}

// DumpCommits writes every stored commit, joined with its repository,
// branch and author names, to fileName inside the destination directory.
// It returns the full path of the written file.
func (e *Exporter) DumpCommits(ctx context.Context, fileName string) (string, error) {
	rows, err := e.store.CommitRows(ctx)
	if err != nil {
		return "", fmt.Errorf("reading commits for export: %w", err)
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating dump dir: %w", err)
	}
	path := filepath.Join(e.dir, fileName)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating dump file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return "", err
	}
	for _, r := range rows {
		record := []string{
			r.Repository,
			r.Hash,
			r.Author,
			r.Branch,
			r.Comment,
			r.Date.UTC().Format(time.RFC3339),
			strconv.Itoa(r.FileChanges),
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("writing dump: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	e.logger.Info("Commits dumped", "path", path, "rows", len(rows))
	return path, nil
}
