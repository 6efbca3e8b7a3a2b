// internal/vcs/reader.go
package vcs

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	custom_errors "repotracker/internal/errors"
	"repotracker/internal/model"
)

const remotePrefix = "refs/remotes/origin/"

// Reader produces commit facts from one local copy. Re-reading yields the
// same sequence modulo new upstream commits.
type Reader struct {
	repo *git.Repository
}

// Branches lists every branch known to the local copy, remote-tracking
// refs first-class, sorted by name.
func (r *Reader) Branches() ([]string, error) {
	refs, err := r.repo.References()
	if err != nil {
		return nil, fmt.Errorf("%w: enumerating branches: %v", custom_errors.ErrFetchFailed, err)
	}

	seen := make(map[string]bool)
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		switch {
		case strings.HasPrefix(name, remotePrefix):
			short := strings.TrimPrefix(name, remotePrefix)
			if short != "HEAD" {
				seen[short] = true
			}
		case ref.Name().IsBranch():
			seen[ref.Name().Short()] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: enumerating branches: %v", custom_errors.ErrFetchFailed, err)
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Tip returns the newest commit on a branch.
func (r *Reader) Tip(branch string) (model.CommitFact, error) {
	hash, err := r.resolve(branch)
	if err != nil {
		return model.CommitFact{}, err
	}
	c, err := r.repo.CommitObject(hash)
	if err != nil {
		return model.CommitFact{}, fmt.Errorf("%w: reading tip of %s: %v", custom_errors.ErrCorruptHistory, branch, err)
	}
	return toFact(c), nil
}

// WalkCommits visits every commit reachable from the branch tip, oldest to
// newest. The walk stops early if fn returns an error or ctx is cancelled.
func (r *Reader) WalkCommits(ctx context.Context, branch string, fn func(model.CommitFact) error) error {
	tip, err := r.resolve(branch)
	if err != nil {
		return err
	}

	iter, err := r.repo.Log(&git.LogOptions{From: tip})
	if err != nil {
		return fmt.Errorf("%w: reading log of %s: %v", custom_errors.ErrCorruptHistory, branch, err)
	}
	defer iter.Close()

	// go-git iterates newest first; collect and replay in reverse so that
	// a crash mid-branch leaves only a prefix of history persisted.
	var commits []*object.Commit
	err = iter.ForEach(func(c *object.Commit) error {
		commits = append(commits, c)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: walking %s: %v", custom_errors.ErrCorruptHistory, branch, err)
	}

	for i := len(commits) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(toFact(commits[i])); err != nil {
			return err
		}
	}
	return nil
}

// resolve finds the tip of a branch, preferring the remote-tracking ref.
func (r *Reader) resolve(branch string) (plumbing.Hash, error) {
	for _, name := range []plumbing.ReferenceName{
		plumbing.ReferenceName(remotePrefix + branch),
		plumbing.NewBranchReferenceName(branch),
	} {
		if ref, err := r.repo.Reference(name, true); err == nil {
			return ref.Hash(), nil
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("%w: branch %s not found", custom_errors.ErrCorruptHistory, branch)
}

func toFact(c *object.Commit) model.CommitFact {
	fact := model.CommitFact{
		Hash:    c.Hash.String(),
		Author:  c.Author.Name,
		Message: strings.TrimSpace(c.Message),
		When:    c.Author.When.UTC(),
	}
	// Stats diffs against the first parent; merge oddities degrade to a
	// zero count rather than failing the walk.
	if stats, err := c.Stats(); err == nil {
		fact.FileChanges = len(stats)
	}
	return fact
}
