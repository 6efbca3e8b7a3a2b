// internal/vcs/client.go

// Package vcs maintains the on-disk local copies of tracked repositories
// and reads their commit history. It never touches the state store.
package vcs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/gofrs/flock"

	custom_errors "repotracker/internal/errors"
)

// lockRetryInterval is how often a blocked lease acquisition re-polls.
const lockRetryInterval = 100 * time.Millisecond

// Client clones and refreshes local copies under a base directory.
type Client struct {
	baseDir string
	logger  *slog.Logger
}

// NewClient creates a Client that keeps local copies under baseDir.
func NewClient(baseDir string, logger *slog.Logger) (*Client, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating clone dir %s: %w", baseDir, err)
	}
	return &Client{baseDir: baseDir, logger: logger}, nil
}

// Path returns the local copy directory for a tracked repository.
func (c *Client) Path(name string) string {
	return filepath.Join(c.baseDir, name)
}

// Lease serializes sync passes on one repository, across goroutines and
// processes, via a file lock next to the local copy. The returned release
// function must be called when the pass ends.
func (c *Client) Lease(ctx context.Context, name string) (func(), error) {
	fl := flock.New(c.Path(name) + ".lock")
	ok, err := fl.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring lease for %s: %v", custom_errors.ErrFetchFailed, name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: lease for %s is held elsewhere", custom_errors.ErrFetchFailed, name)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			c.logger.Warn("Failed to release repository lease", "repo", name, "error", err)
		}
	}, nil
}

// Ensure makes the local copy of remote present and up to date, cloning on
// first encounter and fetching otherwise. Failures surface as FetchFailed.
func (c *Client) Ensure(ctx context.Context, remote, name string) error {
	dir := c.Path(name)

	if _, err := os.Stat(filepath.Join(dir, ".git")); os.IsNotExist(err) {
		c.logger.Info("Cloning repository", "repo", name, "remote", remote)
		_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: remote})
		if err != nil {
			return fmt.Errorf("%w: cloning %s: %v", custom_errors.ErrFetchFailed, name, err)
		}
		return nil
	}

	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("%w: opening local copy of %s: %v", custom_errors.ErrFetchFailed, name, err)
	}

	c.logger.Debug("Fetching repository", "repo", name)
	err = repo.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin", Force: true})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("%w: fetching %s: %v", custom_errors.ErrFetchFailed, name, err)
	}
	return nil
}

// Open opens the local copy for history reading.
func (c *Client) Open(name string) (*Reader, error) {
	repo, err := git.PlainOpen(c.Path(name))
	if err != nil {
		return nil, fmt.Errorf("%w: opening history of %s: %v", custom_errors.ErrCorruptHistory, name, err)
	}
	return &Reader{repo: repo}, nil
}
