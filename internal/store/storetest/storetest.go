// internal/store/storetest/storetest.go

// Package storetest is a conformance suite run against every state-store
// implementation. It exercises the contract invariants directly on a real
// database: idempotent get-or-create, commit dedup, monotonic
// LastCommitDate and cascade semantics.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "repotracker/internal/errors"
	"repotracker/internal/store"
)

// Run executes the conformance suite. open must return an empty store; it
// is invoked once per subtest.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("staff get-or-create is idempotent", func(t *testing.T) {
		s := open(t)
		id1, err := s.EnsureStaff(ctx, "alice")
		require.NoError(t, err)
		id2, err := s.EnsureStaff(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, id1, id2)

		id3, err := s.EnsureStaff(ctx, "bob")
		require.NoError(t, err)
		assert.NotEqual(t, id1, id3)
	})

	t.Run("repository creation enrolls the creator", func(t *testing.T) {
		s := open(t)
		creator, err := s.EnsureStaff(ctx, "alice")
		require.NoError(t, err)

		repo, err := s.EnsureRepository(ctx, "svc", creator)
		require.NoError(t, err)
		assert.Equal(t, creator, repo.CreatorID)
		assert.True(t, repo.LastCommitDate.Equal(time.Unix(0, 0).UTC()),
			"LastCommitDate should default to epoch, got %v", repo.LastCommitDate)

		again, err := s.EnsureRepository(ctx, "svc", creator)
		require.NoError(t, err)
		assert.Equal(t, repo.ID, again.ID)
	})

	t.Run("branch names are scoped per repository", func(t *testing.T) {
		s := open(t)
		creator, err := s.EnsureStaff(ctx, "alice")
		require.NoError(t, err)
		r1, err := s.EnsureRepository(ctx, "one", creator)
		require.NoError(t, err)
		r2, err := s.EnsureRepository(ctx, "two", creator)
		require.NoError(t, err)

		b1, err := s.EnsureBranch(ctx, r1.ID, "main")
		require.NoError(t, err)
		b1again, err := s.EnsureBranch(ctx, r1.ID, "main")
		require.NoError(t, err)
		assert.Equal(t, b1, b1again)

		b2, err := s.EnsureBranch(ctx, r2.ID, "main")
		require.NoError(t, err)
		assert.NotEqual(t, b1, b2, "same branch name in another repository is a distinct row")
	})

	t.Run("commit insert deduplicates by branch and hash", func(t *testing.T) {
		s := open(t)
		author, branchID := seedBranch(t, s, "svc", "main")

		c := store.Commit{
			AuthorID:    author,
			BranchID:    branchID,
			Hash:        "abc123",
			Comment:     "init",
			Date:        time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
			FileChanges: 3,
		}
		id, inserted, err := s.InsertCommitIfAbsent(ctx, c)
		require.NoError(t, err)
		assert.True(t, inserted)

		id2, inserted2, err := s.InsertCommitIfAbsent(ctx, c)
		require.NoError(t, err)
		assert.False(t, inserted2, "second insert of the same commit must be a no-op")
		assert.Equal(t, id, id2)

		ok, err := s.HasCommit(ctx, branchID, "abc123")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("conflicting commit content is a constraint violation", func(t *testing.T) {
		s := open(t)
		author, branchID := seedBranch(t, s, "svc", "main")

		c := store.Commit{
			AuthorID: author, BranchID: branchID, Hash: "abc123",
			Comment: "init", Date: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), FileChanges: 3,
		}
		_, _, err := s.InsertCommitIfAbsent(ctx, c)
		require.NoError(t, err)

		c.Comment = "rewritten"
		_, _, err = s.InsertCommitIfAbsent(ctx, c)
		assert.ErrorIs(t, err, custom_errors.ErrConstraintViolation)
	})

	t.Run("negative file changes are rejected without a row", func(t *testing.T) {
		s := open(t)
		author, branchID := seedBranch(t, s, "svc", "main")

		_, _, err := s.InsertCommitIfAbsent(ctx, store.Commit{
			AuthorID: author, BranchID: branchID, Hash: "bad",
			Comment: "oops", Date: time.Now(), FileChanges: -1,
		})
		assert.ErrorIs(t, err, custom_errors.ErrConstraintViolation)

		ok, err := s.HasCommit(ctx, branchID, "bad")
		require.NoError(t, err)
		assert.False(t, ok, "rejected commit must not be recorded")
	})

	t.Run("last commit date only moves forward", func(t *testing.T) {
		s := open(t)
		creator, err := s.EnsureStaff(ctx, "alice")
		require.NoError(t, err)
		repo, err := s.EnsureRepository(ctx, "svc", creator)
		require.NoError(t, err)

		newer := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
		older := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

		require.NoError(t, s.BumpLastCommitDate(ctx, repo.ID, newer))
		got, err := s.RepositoryByName(ctx, "svc")
		require.NoError(t, err)
		assert.True(t, got.LastCommitDate.Equal(newer))

		require.NoError(t, s.BumpLastCommitDate(ctx, repo.ID, older))
		got, err = s.RepositoryByName(ctx, "svc")
		require.NoError(t, err)
		assert.True(t, got.LastCommitDate.Equal(newer), "older candidate must be a no-op")
	})

	t.Run("commit rows join repository, branch and author", func(t *testing.T) {
		s := open(t)
		author, branchID := seedBranch(t, s, "svc", "main")

		when := time.Date(2023, 3, 1, 9, 30, 0, 0, time.UTC)
		_, _, err := s.InsertCommitIfAbsent(ctx, store.Commit{
			AuthorID: author, BranchID: branchID, Hash: "abc123",
			Comment: "feat: add thing", Date: when, FileChanges: 2,
		})
		require.NoError(t, err)

		rows, err := s.CommitRows(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "svc", rows[0].Repository)
		assert.Equal(t, "main", rows[0].Branch)
		assert.Equal(t, "alice", rows[0].Author)
		assert.Equal(t, "feat: add thing", rows[0].Comment)
		assert.True(t, rows[0].Date.Equal(when))
		assert.Equal(t, 2, rows[0].FileChanges)
	})

	t.Run("commit rows can be filtered to one repository", func(t *testing.T) {
		s := open(t)
		author, svcBranch := seedBranch(t, s, "svc", "main")
		_, libBranch := seedBranch(t, s, "lib", "main")

		when := time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)
		for i, branchID := range []int64{svcBranch, libBranch} {
			_, _, err := s.InsertCommitIfAbsent(ctx, store.Commit{
				AuthorID: author, BranchID: branchID, Hash: string(rune('a' + i)),
				Comment: "c", Date: when.Add(time.Duration(i) * time.Hour), FileChanges: 1,
			})
			require.NoError(t, err)
		}

		rows, err := s.CommitRowsForRepo(ctx, "lib")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "lib", rows[0].Repository)

		rows, err = s.CommitRowsForRepo(ctx, "absent")
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("top committers ranks by commit count", func(t *testing.T) {
		s := open(t)
		alice, branchID := seedBranch(t, s, "svc", "main")
		bob, err := s.EnsureStaff(ctx, "bob")
		require.NoError(t, err)

		base := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, author := range []int64{alice, alice, bob} {
			_, _, err := s.InsertCommitIfAbsent(ctx, store.Commit{
				AuthorID: author, BranchID: branchID, Hash: string(rune('a' + i)),
				Comment: "c", Date: base.Add(time.Duration(i) * time.Hour), FileChanges: 1,
			})
			require.NoError(t, err)
		}

		top, err := s.TopCommitters(ctx, "svc", 10)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, store.TopCommitter{Name: "alice", Commits: 2}, top[0])
		assert.Equal(t, store.TopCommitter{Name: "bob", Commits: 1}, top[1])
	})

	t.Run("deleting a repository cascades to branches and commits but not authors", func(t *testing.T) {
		s := open(t)
		author, branchID := seedBranch(t, s, "svc", "main")
		_, _, err := s.InsertCommitIfAbsent(ctx, store.Commit{
			AuthorID: author, BranchID: branchID, Hash: "abc123",
			Comment: "init", Date: time.Now(), FileChanges: 0,
		})
		require.NoError(t, err)

		require.NoError(t, s.DeleteRepository(ctx, "svc"))

		rows, err := s.CommitRows(ctx)
		require.NoError(t, err)
		assert.Empty(t, rows)

		// The author row survives the cascade.
		again, err := s.EnsureStaff(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, author, again)
	})

	t.Run("deleting a staff member cascades to authored rows", func(t *testing.T) {
		s := open(t)
		author, branchID := seedBranch(t, s, "svc", "main")
		_, _, err := s.InsertCommitIfAbsent(ctx, store.Commit{
			AuthorID: author, BranchID: branchID, Hash: "abc123",
			Comment: "init", Date: time.Now(), FileChanges: 0,
		})
		require.NoError(t, err)

		require.NoError(t, s.DeleteStaff(ctx, "alice"))

		rows, err := s.CommitRows(ctx)
		require.NoError(t, err)
		assert.Empty(t, rows, "commits authored by the deleted staff member must be gone")
	})

	t.Run("issue side upserts are idempotent", func(t *testing.T) {
		s := open(t)
		author, _ := seedBranch(t, s, "svc", "main")
		repo, err := s.RepositoryByName(ctx, "svc")
		require.NoError(t, err)

		msID, err := s.UpsertMilestone(ctx, store.Milestone{
			RepoID: repo.ID, Number: 1, Title: "v1", State: "open",
		})
		require.NoError(t, err)
		msID2, err := s.UpsertMilestone(ctx, store.Milestone{
			RepoID: repo.ID, Number: 1, Title: "v1.0", State: "closed",
		})
		require.NoError(t, err)
		assert.Equal(t, msID, msID2)

		lblID, err := s.UpsertLabel(ctx, store.Label{RepoID: repo.ID, Name: "bug", Color: "ff0000"})
		require.NoError(t, err)

		now := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
		issueID, err := s.UpsertIssue(ctx, store.Issue{
			RepoID: repo.ID, MilestoneID: &msID, Number: 7, Title: "it breaks",
			State: "open", AuthorID: author, CreatedAt: now, UpdatedAt: now,
		})
		require.NoError(t, err)
		issueID2, err := s.UpsertIssue(ctx, store.Issue{
			RepoID: repo.ID, Number: 7, Title: "it breaks badly",
			State: "closed", AuthorID: author, CreatedAt: now, UpdatedAt: now.Add(time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, issueID, issueID2)

		require.NoError(t, s.SetIssueLabels(ctx, issueID, []int64{lblID}))
		require.NoError(t, s.SetIssueLabels(ctx, issueID, nil))
		require.NoError(t, s.SetIssueAssignees(ctx, issueID, []int64{author}))
	})
}

// seedBranch creates alice, a repository and a branch, returning the author
// and branch ids.
func seedBranch(t *testing.T, s store.Store, repoName, branchName string) (authorID, branchID int64) {
	t.Helper()
	ctx := context.Background()

	author, err := s.EnsureStaff(ctx, "alice")
	require.NoError(t, err)
	repo, err := s.EnsureRepository(ctx, repoName, author)
	require.NoError(t, err)
	branch, err := s.EnsureBranch(ctx, repo.ID, branchName)
	require.NoError(t, err)
	return author, branch
}
