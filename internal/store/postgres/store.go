// internal/store/postgres/store.go

// Package postgres implements the state store on a postgres database via
// pgxpool. IDs come from BIGSERIAL and dates are stored as timestamptz.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	custom_errors "repotracker/internal/errors"
	"repotracker/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the postgres-backed state store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to the database at dbURL, applies pending migrations and
// returns the store.
func Open(ctx context.Context, dbURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if err := Migrate(dbURL); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded schema migrations to the database at dbURL.
func Migrate(dbURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// mapErr folds postgres constraint failures into the shared taxonomy.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23514", "23503": // unique, check, foreign key
			return fmt.Errorf("%w: %v", custom_errors.ErrConstraintViolation, err)
		}
	}
	return err
}

func (s *Store) EnsureStaff(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO staff ("Name") VALUES ($1) ON CONFLICT ("Name") DO NOTHING RETURNING "ID"`,
		name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.pool.QueryRow(ctx, `SELECT "ID" FROM staff WHERE "Name" = $1`, name).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("ensure staff %q: %w", name, mapErr(err))
	}
	return id, nil
}

func (s *Store) EnsureRepository(ctx context.Context, name string, creatorID int64) (store.Repository, error) {
	var id int64
	var last time.Time
	err := s.pool.QueryRow(ctx,
		`INSERT INTO repository ("Name", "CreatorID") VALUES ($1, $2)
		 ON CONFLICT ("Name") DO NOTHING RETURNING "ID", "LastCommitDate"`,
		name, creatorID).Scan(&id, &last)
	switch {
	case err == nil:
		// Creator is always a member.
		if err := s.EnsureCollaborator(ctx, creatorID, id, "creator"); err != nil {
			return store.Repository{}, err
		}
		return store.Repository{ID: id, Name: name, CreatorID: creatorID, LastCommitDate: last}, nil
	case errors.Is(err, pgx.ErrNoRows):
		return s.RepositoryByName(ctx, name)
	default:
		return store.Repository{}, fmt.Errorf("ensure repository %q: %w", name, mapErr(err))
	}
}

func (s *Store) EnsureCollaborator(ctx context.Context, staffID, repoID int64, role string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO repository_collaborators (staff_id, repo_id, role) VALUES ($1, $2, $3)
		 ON CONFLICT (staff_id, repo_id) DO NOTHING`,
		staffID, repoID, role)
	if err != nil {
		return fmt.Errorf("ensure collaborator: %w", mapErr(err))
	}
	return nil
}

func (s *Store) EnsureBranch(ctx context.Context, repoID int64, name string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO branch ("Name", "RepoID") VALUES ($1, $2)
		 ON CONFLICT ("Name", "RepoID") DO NOTHING RETURNING "ID"`,
		name, repoID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.pool.QueryRow(ctx,
			`SELECT "ID" FROM branch WHERE "Name" = $1 AND "RepoID" = $2`, name, repoID).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("ensure branch %q: %w", name, mapErr(err))
	}
	return id, nil
}

func (s *Store) HasCommit(ctx context.Context, branchID int64, hash string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM commits WHERE "BranchID" = $1 AND "Hash" = $2`, branchID, hash).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
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
	err := s.pool.QueryRow(ctx,
		`INSERT INTO commits ("AuthorID", "BranchID", "Hash", "Comment", "Date", "FileChanges")
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT ("BranchID", "Hash") DO NOTHING RETURNING "ID"`,
		c.AuthorID, c.BranchID, c.Hash, c.Comment, c.Date.UTC(), c.FileChanges).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("insert commit %s: %w", c.Hash, mapErr(err))
	}

	// Already recorded: accept the duplicate only if the content matches.
	var existing store.Commit
	err = s.pool.QueryRow(ctx,
		`SELECT "ID", "AuthorID", "Comment", "Date", "FileChanges"
		 FROM commits WHERE "BranchID" = $1 AND "Hash" = $2`,
		c.BranchID, c.Hash).Scan(&existing.ID, &existing.AuthorID, &existing.Comment, &existing.Date, &existing.FileChanges)
	if err != nil {
		return 0, false, fmt.Errorf("lookup existing commit %s: %w", c.Hash, err)
	}
	if existing.AuthorID != c.AuthorID || existing.Comment != c.Comment ||
		!existing.Date.Equal(c.Date) || existing.FileChanges != c.FileChanges {
		return 0, false, fmt.Errorf("%w: commit %s already recorded with different content",
			custom_errors.ErrConstraintViolation, c.Hash)
	}
	return existing.ID, false, nil
}

func (s *Store) BumpLastCommitDate(ctx context.Context, repoID int64, candidate time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE repository SET "LastCommitDate" = GREATEST("LastCommitDate", $1) WHERE "ID" = $2`,
		candidate.UTC(), repoID)
	if err != nil {
		return fmt.Errorf("bump last commit date: %w", err)
	}
	return nil
}

func (s *Store) RepositoryByName(ctx context.Context, name string) (store.Repository, error) {
	var r store.Repository
	err := s.pool.QueryRow(ctx,
		`SELECT "ID", "Name", "CreatorID", "LastCommitDate" FROM repository WHERE "Name" = $1`,
		name).Scan(&r.ID, &r.Name, &r.CreatorID, &r.LastCommitDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Repository{}, fmt.Errorf("repository %q: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return store.Repository{}, fmt.Errorf("repository %q: %w", name, err)
	}
	return r, nil
}

func (s *Store) Repositories(ctx context.Context) ([]store.Repository, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT "ID", "Name", "CreatorID", "LastCommitDate" FROM repository ORDER BY "Name"`)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	defer rows.Close()

	var out []store.Repository
	for rows.Next() {
		var r store.Repository
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatorID, &r.LastCommitDate); err != nil {
			return nil, err
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
		commitRowsQuery+` WHERE r."Name" = $1 ORDER BY b."Name", c."Date"`, repoName)
}

func (s *Store) commitRows(ctx context.Context, query string, args ...any) ([]store.CommitRow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing commits: %w", err)
	}
	defer rows.Close()

	var out []store.CommitRow
	for rows.Next() {
		var cr store.CommitRow
		if err := rows.Scan(&cr.Repository, &cr.Branch, &cr.Author, &cr.Hash, &cr.Comment, &cr.Date, &cr.FileChanges); err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func (s *Store) TopCommitters(ctx context.Context, repoName string, limit int) ([]store.TopCommitter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s."Name", COUNT(*) AS n
		FROM commits c
		JOIN staff s ON c."AuthorID" = s."ID"
		JOIN branch b ON c."BranchID" = b."ID"
		JOIN repository r ON b."RepoID" = r."ID"
		WHERE r."Name" = $1
		GROUP BY s."Name"
		ORDER BY n DESC, s."Name"
		LIMIT $2`, repoName, limit)
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
	err := s.pool.QueryRow(ctx, `
		INSERT INTO milestones ("RepoID", "Number", "Title", "Description", "State", "DueDate", "ClosedAt")
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT ("RepoID", "Number") DO UPDATE SET
			"Title" = EXCLUDED."Title",
			"Description" = EXCLUDED."Description",
			"State" = EXCLUDED."State",
			"DueDate" = EXCLUDED."DueDate",
			"ClosedAt" = EXCLUDED."ClosedAt"
		RETURNING "ID"`,
		m.RepoID, m.Number, m.Title, m.Description, m.State, m.DueDate, m.ClosedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert milestone %d: %w", m.Number, mapErr(err))
	}
	return id, nil
}

func (s *Store) UpsertLabel(ctx context.Context, l store.Label) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO labels ("RepoID", "Name", "Description", "Color")
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ("RepoID", "Name") DO UPDATE SET
			"Description" = EXCLUDED."Description",
			"Color" = EXCLUDED."Color"
		RETURNING "ID"`,
		l.RepoID, l.Name, l.Description, l.Color).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert label %q: %w", l.Name, mapErr(err))
	}
	return id, nil
}

func (s *Store) UpsertIssue(ctx context.Context, i store.Issue) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO issues ("RepoID", "MilestoneID", "Number", "Title", "Body", "State", "AuthorID", "CreatedAt", "UpdatedAt", "ClosedAt")
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT ("RepoID", "Number") DO UPDATE SET
			"MilestoneID" = EXCLUDED."MilestoneID",
			"Title" = EXCLUDED."Title",
			"Body" = EXCLUDED."Body",
			"State" = EXCLUDED."State",
			"UpdatedAt" = EXCLUDED."UpdatedAt",
			"ClosedAt" = EXCLUDED."ClosedAt"
		RETURNING "ID"`,
		i.RepoID, i.MilestoneID, i.Number, i.Title, i.Body, i.State, i.AuthorID,
		i.CreatedAt.UTC(), i.UpdatedAt.UTC(), i.ClosedAt).Scan(&id)
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE issue_id = $1`, table), issueID); err != nil {
		return fmt.Errorf("clearing %s: %w", table, err)
	}
	for _, id := range ids {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (issue_id, %s) VALUES ($1, $2)`, table, column),
			issueID, id); err != nil {
			return fmt.Errorf("linking %s: %w", table, mapErr(err))
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) DeleteRepository(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM repository WHERE "Name" = $1`, name)
	if err != nil {
		return fmt.Errorf("delete repository %q: %w", name, err)
	}
	return nil
}

func (s *Store) DeleteStaff(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM staff WHERE "Name" = $1`, name)
	if err != nil {
		return fmt.Errorf("delete staff %q: %w", name, err)
	}
	return nil
}
