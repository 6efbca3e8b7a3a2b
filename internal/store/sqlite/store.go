// internal/store/sqlite/store.go

// Package sqlite implements the state store on a sqlite database file,
// the second target engine next to postgres. IDs come from AUTOINCREMENT
// and dates are stored as RFC3339 UTC text.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	custom_errors "repotracker/internal/errors"
	"repotracker/internal/store"
)

//go:embed schema.sql
var schema string

// Store is the sqlite-backed state store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path and provisions the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	// sqlite allows a single writer; one pooled connection also keeps
	// in-memory databases from being silently duplicated per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("provisioning sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

const timeLayout = time.RFC3339

func fmtTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func fmtNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// mapErr folds sqlite constraint failures into the shared taxonomy.
func mapErr(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("%w: %v", custom_errors.ErrConstraintViolation, err)
	}
	return err
}

func (s *Store) EnsureStaff(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO staff ("Name") VALUES (?) ON CONFLICT ("Name") DO NOTHING RETURNING "ID"`,
		name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRowContext(ctx, `SELECT "ID" FROM staff WHERE "Name" = ?`, name).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("ensure staff %q: %w", name, mapErr(err))
	}
	return id, nil
}

func (s *Store) EnsureRepository(ctx context.Context, name string, creatorID int64) (store.Repository, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO repository ("Name", "CreatorID") VALUES (?, ?)
		 ON CONFLICT ("Name") DO NOTHING RETURNING "ID"`,
		name, creatorID).Scan(&id)
	switch {
	case err == nil:
		// Creator is always a member.
		if err := s.EnsureCollaborator(ctx, creatorID, id, "creator"); err != nil {
			return store.Repository{}, err
		}
		return store.Repository{ID: id, Name: name, CreatorID: creatorID, LastCommitDate: time.Unix(0, 0).UTC()}, nil
	case errors.Is(err, sql.ErrNoRows):
		return s.RepositoryByName(ctx, name)
	default:
		return store.Repository{}, fmt.Errorf("ensure repository %q: %w", name, mapErr(err))
	}
}

func (s *Store) EnsureCollaborator(ctx context.Context, staffID, repoID int64, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repository_collaborators (staff_id, repo_id, role) VALUES (?, ?, ?)
		 ON CONFLICT (staff_id, repo_id) DO NOTHING`,
		staffID, repoID, role)
	if err != nil {
		return fmt.Errorf("ensure collaborator: %w", mapErr(err))
	}
	return nil
}

func (s *Store) EnsureBranch(ctx context.Context, repoID int64, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO branch ("Name", "RepoID") VALUES (?, ?)
		 ON CONFLICT ("Name", "RepoID") DO NOTHING RETURNING "ID"`,
		name, repoID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRowContext(ctx,
			`SELECT "ID" FROM branch WHERE "Name" = ? AND "RepoID" = ?`, name, repoID).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("ensure branch %q: %w", name, mapErr(err))
	}
	return id, nil
}

func (s *Store) HasCommit(ctx context.Context, branchID int64, hash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM commits WHERE "BranchID" = ? AND "Hash" = ?`, branchID, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has commit: %w", err)
	}
	return true, nil
}

func (s *Store) InsertCommitIfAbsent(ctx context.Context, c store.Commit) (int64, bool, error) {
	if c.FileChanges < 0 {
		return 0, false, fmt.Errorf("%w: commit %s has negative file changes",
			custom_errors.ErrConstraintViolation, c.Hash)
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO commits ("AuthorID", "BranchID", "Hash", "Comment", "Date", "FileChanges")
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT ("BranchID", "Hash") DO NOTHING RETURNING "ID"`,
		c.AuthorID, c.BranchID, c.Hash, c.Comment, fmtTime(c.Date), c.FileChanges).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("insert commit %s: %w", c.Hash, mapErr(err))
	}

	// Already recorded: accept the duplicate only if the content matches.
	var existing store.Commit
	var date string
	err = s.db.QueryRowContext(ctx,
		`SELECT "ID", "AuthorID", "Comment", "Date", "FileChanges"
		 FROM commits WHERE "BranchID" = ? AND "Hash" = ?`,
		c.BranchID, c.Hash).Scan(&existing.ID, &existing.AuthorID, &existing.Comment, &date, &existing.FileChanges)
	if err != nil {
		return 0, false, fmt.Errorf("lookup existing commit %s: %w", c.Hash, err)
	}
	if existing.AuthorID != c.AuthorID || existing.Comment != c.Comment ||
		date != fmtTime(c.Date) || existing.FileChanges != c.FileChanges {
		return 0, false, fmt.Errorf("%w: commit %s already recorded with different content",
			custom_errors.ErrConstraintViolation, c.Hash)
	}
	return existing.ID, false, nil
}

func (s *Store) BumpLastCommitDate(ctx context.Context, repoID int64, candidate time.Time) error {
	// RFC3339 UTC text compares chronologically, so MAX keeps the newer.
	_, err := s.db.ExecContext(ctx,
		`UPDATE repository SET "LastCommitDate" = MAX("LastCommitDate", ?) WHERE "ID" = ?`,
		fmtTime(candidate), repoID)
	if err != nil {
		return fmt.Errorf("bump last commit date: %w", err)
	}
	return nil
}

func (s *Store) RepositoryByName(ctx context.Context, name string) (store.Repository, error) {
	var r store.Repository
	var last string
	err := s.db.QueryRowContext(ctx,
		`SELECT "ID", "Name", "CreatorID", "LastCommitDate" FROM repository WHERE "Name" = ?`,
		name).Scan(&r.ID, &r.Name, &r.CreatorID, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Repository{}, fmt.Errorf("repository %q: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return store.Repository{}, fmt.Errorf("repository %q: %w", name, err)
	}
	if r.LastCommitDate, err = parseTime(last); err != nil {
		return store.Repository{}, fmt.Errorf("repository %q: parsing LastCommitDate: %w", name, err)
	}
	return r, nil
}

func (s *Store) Repositories(ctx context.Context) ([]store.Repository, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT "ID", "Name", "CreatorID", "LastCommitDate" FROM repository ORDER BY "Name"`)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	defer rows.Close()

	var out []store.Repository
	for rows.Next() {
		var r store.Repository
		var last string
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatorID, &last); err != nil {
			return nil, err
		}
		if r.LastCommitDate, err = parseTime(last); err != nil {
			return nil, fmt.Errorf("parsing LastCommitDate of %q: %w", r.Name, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const commitRowsQuery = `
	SELECT r."Name", b."Name", s."Name", c."Hash", c."Comment", c."Date", c."FileChanges"
	FROM commits c
	JOIN staff s ON c."AuthorID" = s."ID"
	JOIN branch b ON c."BranchID" = b."ID"
	JOIN repository r ON b."RepoID" = r."ID"`

func (s *Store) CommitRows(ctx context.Context) ([]store.CommitRow, error) {
	return s.commitRows(ctx, commitRowsQuery+` ORDER BY r."Name", b."Name", c."Date"`)
}

func (s *Store) CommitRowsForRepo(ctx context.Context, repoName string) ([]store.CommitRow, error) {
	return s.commitRows(ctx,
		commitRowsQuery+` WHERE r."Name" = ? ORDER BY b."Name", c."Date"`, repoName)
}

func (s *Store) commitRows(ctx context.Context, query string, args ...any) ([]store.CommitRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing commits: %w", err)
	}
	defer rows.Close()

	var out []store.CommitRow
	for rows.Next() {
		var cr store.CommitRow
		var date string
		if err := rows.Scan(&cr.Repository, &cr.Branch, &cr.Author, &cr.Hash, &cr.Comment, &date, &cr.FileChanges); err != nil {
			return nil, err
		}
		if cr.Date, err = parseTime(date); err != nil {
			return nil, fmt.Errorf("parsing commit date: %w", err)
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func (s *Store) TopCommitters(ctx context.Context, repoName string, limit int) ([]store.TopCommitter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s."Name", COUNT(*) AS n
		FROM commits c
		JOIN staff s ON c."AuthorID" = s."ID"
		JOIN branch b ON c."BranchID" = b."ID"
		JOIN repository r ON b."RepoID" = r."ID"
		WHERE r."Name" = ?
		GROUP BY s."Name"
		ORDER BY n DESC, s."Name"
		LIMIT ?`, repoName, limit)
	if err != nil {
		return nil, fmt.Errorf("top committers: %w", err)
	}
	defer rows.Close()

	var out []store.TopCommitter
	for rows.Next() {
		var tc store.TopCommitter
		if err := rows.Scan(&tc.Name, &tc.Commits); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func (s *Store) UpsertMilestone(ctx context.Context, m store.Milestone) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO milestones ("RepoID", "Number", "Title", "Description", "State", "DueDate", "ClosedAt")
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT ("RepoID", "Number") DO UPDATE SET
			"Title" = excluded."Title",
			"Description" = excluded."Description",
			"State" = excluded."State",
			"DueDate" = excluded."DueDate",
			"ClosedAt" = excluded."ClosedAt"
		RETURNING "ID"`,
		m.RepoID, m.Number, m.Title, m.Description, m.State,
		fmtNullTime(m.DueDate), fmtNullTime(m.ClosedAt)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert milestone %d: %w", m.Number, mapErr(err))
	}
	return id, nil
}

func (s *Store) UpsertLabel(ctx context.Context, l store.Label) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO labels ("RepoID", "Name", "Description", "Color")
		VALUES (?, ?, ?, ?)
		ON CONFLICT ("RepoID", "Name") DO UPDATE SET
			"Description" = excluded."Description",
			"Color" = excluded."Color"
		RETURNING "ID"`,
		l.RepoID, l.Name, l.Description, l.Color).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert label %q: %w", l.Name, mapErr(err))
	}
	return id, nil
}

func (s *Store) UpsertIssue(ctx context.Context, i store.Issue) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO issues ("RepoID", "MilestoneID", "Number", "Title", "Body", "State", "AuthorID", "CreatedAt", "UpdatedAt", "ClosedAt")
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT ("RepoID", "Number") DO UPDATE SET
			"MilestoneID" = excluded."MilestoneID",
			"Title" = excluded."Title",
			"Body" = excluded."Body",
			"State" = excluded."State",
			"UpdatedAt" = excluded."UpdatedAt",
			"ClosedAt" = excluded."ClosedAt"
		RETURNING "ID"`,
		i.RepoID, i.MilestoneID, i.Number, i.Title, i.Body, i.State, i.AuthorID,
		fmtTime(i.CreatedAt), fmtTime(i.UpdatedAt), fmtNullTime(i.ClosedAt)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert issue #%d: %w", i.Number, mapErr(err))
	}
	return id, nil
}

func (s *Store) SetIssueLabels(ctx context.Context, issueID int64, labelIDs []int64) error {
	return s.replaceLinks(ctx, "issue_labels", "label_id", issueID, labelIDs)
}

func (s *Store) SetIssueAssignees(ctx context.Context, issueID int64, staffIDs []int64) error {
	return s.replaceLinks(ctx, "issue_assignees", "assignee_id", issueID, staffIDs)
}

func (s *Store) replaceLinks(ctx context.Context, table, column string, issueID int64, ids []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE issue_id = ?`, table), issueID); err != nil {
		return fmt.Errorf("clearing %s: %w", table, err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (issue_id, %s) VALUES (?, ?)`, table, column),
			issueID, id); err != nil {
			return fmt.Errorf("linking %s: %w", table, mapErr(err))
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteRepository(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM repository WHERE "Name" = ?`, name)
	if err != nil {
		return fmt.Errorf("delete repository %q: %w", name, err)
	}
	return nil
}

func (s *Store) DeleteStaff(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM staff WHERE "Name" = ?`, name)
	if err != nil {
		return fmt.Errorf("delete staff %q: %w", name, err)
	}
	return nil
}
