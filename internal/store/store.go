// internal/store/store.go

// Package store defines the relational state-store contract shared by the
// postgres and sqlite implementations. All get-or-create operations are
// atomic with respect to their unique constraints: a race resolves to the
// already-existing row instead of erroring the caller.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups whose subject does not exist.
var ErrNotFound = errors.New("not found")

// Staff is a person, created lazily on first observation and never mutated.
type Staff struct {
	ID   int64
	Name string
}

// Repository is one tracked project. LastCommitDate is its only mutable
// field and is monotonically non-decreasing.
type Repository struct {
	ID             int64
	Name           string
	CreatorID      int64
	LastCommitDate time.Time
}

// Branch is a named ref scoped to one repository.
type Branch struct {
	ID     int64
	Name   string
	RepoID int64
}

// Commit is an append-only history row. Hash is the content-addressed
// identity from the history source; (BranchID, Hash) is unique.
type Commit struct {
	ID          int64
	AuthorID    int64
	BranchID    int64
	Hash        string
	Comment     string
	Date        time.Time
	FileChanges int
}

// CommitRow is one commit joined with its repository, branch and author
// names, as consumed by the CSV export and the API.
type CommitRow struct {
	Repository  string    `json:"repository"`
	Branch      string    `json:"branch"`
	Author      string    `json:"author"`
	Hash        string    `json:"hash"`
	Comment     string    `json:"comment"`
	Date        time.Time `json:"date"`
	FileChanges int       `json:"file_changes"`
}

// TopCommitter is an aggregate row for the top-committers query.
type TopCommitter struct {
	Name    string `json:"name"`
	Commits int64  `json:"commits"`
}

// Milestone mirrors the raw milestone storage of the issue side.
type Milestone struct {
	ID          int64
	RepoID      int64
	Number      int
	Title       string
	Description string
	State       string
	DueDate     *time.Time
	ClosedAt    *time.Time
}

// Label mirrors the raw label storage of the issue side.
type Label struct {
	ID          int64
	RepoID      int64
	Name        string
	Description string
	Color       string
}

// Issue mirrors the raw issue storage of the issue side. MilestoneID is nil
// for issues without a milestone.
type Issue struct {
	ID          int64
	RepoID      int64
	MilestoneID *int64
	Number      int
	Title       string
	Body        string
	State       string
	AuthorID    int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
}

// Store is the transactional access layer over the relational schema.
type Store interface {
	// EnsureStaff returns the id of the named staff member, creating the
	// row if absent.
	EnsureStaff(ctx context.Context, name string) (int64, error)

	// EnsureRepository returns the repository row for name, creating it
	// with the given creator if absent. The creator is enrolled as a
	// collaborator with role "creator" on first creation.
	EnsureRepository(ctx context.Context, name string, creatorID int64) (Repository, error)

	// EnsureCollaborator records a staff/repository membership. Existing
	// memberships keep their original role.
	EnsureCollaborator(ctx context.Context, staffID, repoID int64, role string) error

	// EnsureBranch returns the id of the (name, repo) branch, creating the
	// row if absent.
	EnsureBranch(ctx context.Context, repoID int64, name string) (int64, error)

	// HasCommit reports whether a commit with the given hash is already
	// recorded on the branch.
	HasCommit(ctx context.Context, branchID int64, hash string) (bool, error)

	// InsertCommitIfAbsent appends a commit unless one with the same
	// (branch, hash) identity exists. When the existing row's content
	// matches, the existing id is returned with inserted=false; diverging
	// content is an ErrConstraintViolation.
	InsertCommitIfAbsent(ctx context.Context, c Commit) (id int64, inserted bool, err error)

	// BumpLastCommitDate raises the repository's LastCommitDate to the
	// candidate if and only if the candidate is newer. Atomic max-write.
	BumpLastCommitDate(ctx context.Context, repoID int64, candidate time.Time) error

	// RepositoryByName returns the repository row for name.
	RepositoryByName(ctx context.Context, name string) (Repository, error)

	// Repositories lists all repository rows, ordered by name.
	Repositories(ctx context.Context) ([]Repository, error)

	// CommitRows returns every commit joined with repository, branch and
	// author names, ordered by repository, branch, then date ascending.
	CommitRows(ctx context.Context) ([]CommitRow, error)

	// CommitRowsForRepo is CommitRows restricted to one repository.
	CommitRowsForRepo(ctx context.Context, repoName string) ([]CommitRow, error)

	// TopCommitters aggregates commit counts per author for one repository.
	TopCommitters(ctx context.Context, repoName string, limit int) ([]TopCommitter, error)

	// UpsertMilestone inserts or refreshes a milestone keyed by
	// (repo, number) and returns its id.
	UpsertMilestone(ctx context.Context, m Milestone) (int64, error)

	// UpsertLabel inserts or refreshes a label keyed by (repo, name) and
	// returns its id.
	UpsertLabel(ctx context.Context, l Label) (int64, error)

	// UpsertIssue inserts or refreshes an issue keyed by (repo, number)
	// and returns its id.
	UpsertIssue(ctx context.Context, i Issue) (int64, error)

	// SetIssueLabels replaces the label set attached to an issue.
	SetIssueLabels(ctx context.Context, issueID int64, labelIDs []int64) error

	// SetIssueAssignees replaces the assignee set attached to an issue.
	SetIssueAssignees(ctx context.Context, issueID int64, staffIDs []int64) error

	// DeleteRepository removes a repository and, by cascade, its branches
	// and commits. Administrative, never called during sync.
	DeleteRepository(ctx context.Context, name string) error

	// DeleteStaff removes a staff member and, by cascade, everything they
	// authored or created. Administrative, never called during sync.
	DeleteStaff(ctx context.Context, name string) error

	Close() error
}
