// internal/syncer/syncer.go

// Package syncer is the incremental history-synchronization engine: per
// tracked repository it refreshes the local copy, diffs observed history
// against the state store and appends what is new.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	custom_errors "repotracker/internal/errors"
	"repotracker/internal/model"
	"repotracker/internal/store"
)

// History reads branch and commit facts from one local copy.
type History interface {
	Branches() ([]string, error)
	Tip(branch string) (model.CommitFact, error)
	WalkCommits(ctx context.Context, branch string, fn func(model.CommitFact) error) error
}

// Source obtains and serializes access to local copies.
type Source interface {
	Lease(ctx context.Context, name string) (release func(), err error)
	Ensure(ctx context.Context, remote, name string) error
	Open(name string) (History, error)
}

// IssueIngester optionally enriches a synced repository with raw issue
// data from its hosting service.
type IssueIngester interface {
	Ingest(ctx context.Context, st store.Store, repoID int64, remote string) error
}

// Options tune the batch driver.
type Options struct {
	// Concurrency bounds how many repositories sync in parallel.
	Concurrency int
	// FetchTimeout bounds the local-copy refresh of a single pass.
	FetchTimeout time.Duration
	// Interval is the cycle period in serve mode.
	Interval time.Duration
	// Issues, when non-nil, ingests issue data for github remotes.
	Issues IssueIngester
}

// Syncer orchestrates sync passes over the tracked repositories.
type Syncer struct {
	store  store.Store
	source Source
	logger *slog.Logger
	repos  []model.TrackedRepo
	opts   Options
}

// NewSyncer creates a Syncer over the given registry entries.
func NewSyncer(st store.Store, src Source, logger *slog.Logger, repos []model.TrackedRepo, opts Options) *Syncer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	return &Syncer{store: st, source: src, logger: logger, repos: repos, opts: opts}
}

// Start runs sync cycles on the configured interval until ctx is done.
// Used by serve mode; one-shot runs call RunOnce directly.
func (s *Syncer) Start(ctx context.Context) {
	s.logger.Info("Starting syncer", "interval", s.opts.Interval.String(), "concurrency", s.opts.Concurrency)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			s.logger.Info("Syncer shutting down", "reason", ctx.Err())
			return
		}
	}
}

// RunOnce performs one synchronization pass for every tracked repository.
// Passes across repositories run concurrently and fail independently; the
// summary carries each repository's outcome.
func (s *Syncer) RunOnce(ctx context.Context) model.RunSummary {
	s.logger.Info("Starting sync cycle", "repositories", len(s.repos))

	var (
		mu      sync.Mutex
		summary model.RunSummary
	)
	g := new(errgroup.Group)
	g.SetLimit(s.opts.Concurrency)

	for _, tr := range s.repos {
		g.Go(func() error {
			res, err := s.SyncRepo(ctx, tr)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Failed to sync repository", "repo", tr.Name, "error", err)
			}
			if err != nil {
				res.Err = &custom_errors.SyncError{Repo: tr.Name, Err: err}
			}
			mu.Lock()
			summary.Results = append(summary.Results, res)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	s.logger.Info("Sync cycle finished", "repositories", len(summary.Results), "failed", summary.Failed())
	return summary
}

// SyncRepo runs one sync pass for a single tracked repository: refresh the
// local copy, walk each branch oldest to newest, append unseen commits and
// raise LastCommitDate to the newest persisted commit date.
func (s *Syncer) SyncRepo(ctx context.Context, tr model.TrackedRepo) (model.SyncResult, error) {
	res := model.SyncResult{Repo: tr.Name}
	logger := s.logger.With("repo", tr.Name)

	release, err := s.source.Lease(ctx, tr.Name)
	if err != nil {
		return res, err
	}
	defer release()

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()
	if err := s.source.Ensure(fetchCtx, tr.RemoteURL, tr.Name); err != nil {
		return res, err
	}

	hist, err := s.source.Open(tr.Name)
	if err != nil {
		return res, err
	}

	creator := tr.CreatorName()
	creatorID, err := s.store.EnsureStaff(ctx, creator)
	if err != nil {
		return res, err
	}
	repo, err := s.store.EnsureRepository(ctx, tr.Name, creatorID)
	if err != nil {
		return res, err
	}
	logger = logger.With("repo_id", repo.ID)

	branches, err := hist.Branches()
	if err != nil {
		return res, err
	}

	staffIDs := map[string]int64{creator: creatorID}
	var newestPersisted time.Time

	finish := func(err error) (model.SyncResult, error) {
		// LastCommitDate must reflect persisted commits even on a partial
		// pass; the store-side max-write keeps it monotonic.
		if !newestPersisted.IsZero() {
			if bumpErr := s.store.BumpLastCommitDate(ctx, repo.ID, newestPersisted); bumpErr != nil && err == nil {
				err = bumpErr
			}
		}
		if row, lookupErr := s.store.RepositoryByName(ctx, tr.Name); lookupErr == nil {
			res.LastCommitDate = row.LastCommitDate
		}
		return res, err
	}

	for _, branch := range branches {
		// Cancellation is coarse-grained: between branches only.
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		branchID, err := s.store.EnsureBranch(ctx, repo.ID, branch)
		if err != nil {
			return finish(err)
		}
		res.Branches++

		tip, err := hist.Tip(branch)
		if err != nil {
			return finish(err)
		}
		known, err := s.store.HasCommit(ctx, branchID, tip.Hash)
		if err != nil {
			return finish(err)
		}
		if known {
			// Branch unchanged since the last pass. Re-assert the tip date
			// in case a previous pass stopped between insert and bump.
			if tip.When.After(newestPersisted) {
				newestPersisted = tip.When
			}
			logger.Debug("Branch already up to date", "branch", branch)
			continue
		}

		walkErr := hist.WalkCommits(ctx, branch, func(f model.CommitFact) error {
			authorID, ok := staffIDs[f.Author]
			if !ok {
				var err error
				if authorID, err = s.store.EnsureStaff(ctx, f.Author); err != nil {
					return err
				}
				staffIDs[f.Author] = authorID
			}

			_, inserted, err := s.store.InsertCommitIfAbsent(ctx, store.Commit{
				AuthorID:    authorID,
				BranchID:    branchID,
				Hash:        f.Hash,
				Comment:     f.Message,
				Date:        f.When,
				FileChanges: f.FileChanges,
			})
			if err != nil {
				return err
			}
			if inserted {
				res.NewCommits++
			}
			if f.When.After(newestPersisted) {
				newestPersisted = f.When
			}
			return nil
		})
		if walkErr != nil {
			return finish(walkErr)
		}
	}

	if s.opts.Issues != nil && model.IsGitHubRemote(tr.RemoteURL) {
		if err := s.opts.Issues.Ingest(ctx, s.store, repo.ID, tr.RemoteURL); err != nil {
			// Issue storage is enrichment; history sync already succeeded.
			logger.Warn("Issue ingestion failed", "error", err)
		}
	}

	logger.Info("Repository synchronized", "branches", res.Branches, "new_commits", res.NewCommits)
	return finish(nil)
}
