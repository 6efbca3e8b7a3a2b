// internal/syncer/syncer_test.go
package syncer_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repotracker/internal/model"
	"repotracker/internal/store"
	"repotracker/internal/store/sqlite"
	"repotracker/internal/syncer"
)

// fakeHistory serves commit facts from memory, oldest first per branch.
type fakeHistory struct {
	commits map[string][]model.CommitFact
	// walkFailAfter, when set for a branch, aborts WalkCommits after
	// yielding that many commits.
	walkFailAfter map[string]int
	walks         int
}

func (h *fakeHistory) Branches() ([]string, error) {
	names := make([]string, 0, len(h.commits))
	for name := range h.commits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (h *fakeHistory) Tip(branch string) (model.CommitFact, error) {
	facts := h.commits[branch]
	if len(facts) == 0 {
		return model.CommitFact{}, fmt.Errorf("branch %q has no commits", branch)
	}
	return facts[len(facts)-1], nil
}

func (h *fakeHistory) WalkCommits(ctx context.Context, branch string, fn func(model.CommitFact) error) error {
	h.walks++
	for i, f := range h.commits[branch] {
		if limit, ok := h.walkFailAfter[branch]; ok && i >= limit {
			return fmt.Errorf("history of %q ended unexpectedly", branch)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// fakeSource hands out in-memory histories keyed by repository name.
type fakeSource struct {
	histories map[string]*fakeHistory
	ensureErr map[string]error
	ensures   map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		histories: make(map[string]*fakeHistory),
		ensureErr: make(map[string]error),
		ensures:   make(map[string]int),
	}
}

func (s *fakeSource) Lease(ctx context.Context, name string) (func(), error) {
	return func() {}, nil
}

func (s *fakeSource) Ensure(ctx context.Context, remote, name string) error {
	s.ensures[name]++
	return s.ensureErr[name]
}

func (s *fakeSource) Open(name string) (syncer.History, error) {
	h, ok := s.histories[name]
	if !ok {
		return nil, fmt.Errorf("no local copy for %q", name)
	}
	return h, nil
}

func fact(hash, author, message string, when time.Time, fileChanges int) model.CommitFact {
	return model.CommitFact{Hash: hash, Author: author, Message: message, When: when, FileChanges: fileChanges}
}

func newTestSyncer(t *testing.T, src *fakeSource, repos []model.TrackedRepo) (*syncer.Syncer, store.Store) {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := syncer.NewSyncer(st, src, logger, repos, syncer.Options{FetchTimeout: time.Minute})
	return s, st
}

func TestSyncRepoFreshRepository(t *testing.T) {
	when := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	src := newFakeSource()
	src.histories["widget"] = &fakeHistory{commits: map[string][]model.CommitFact{
		"main": {fact("aaa111", "alice", "initial import", when, 3)},
	}}
	tr := model.TrackedRepo{Name: "widget", RemoteURL: "git@github.com:acme/widget.git"}
	s, st := newTestSyncer(t, src, []model.TrackedRepo{tr})

	res, err := s.SyncRepo(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Branches)
	assert.Equal(t, 1, res.NewCommits)
	assert.True(t, res.LastCommitDate.Equal(when), "expected %v, got %v", when, res.LastCommitDate)

	repo, err := st.RepositoryByName(context.Background(), "widget")
	require.NoError(t, err)
	assert.True(t, repo.LastCommitDate.Equal(when))

	rows, err := st.CommitRows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "widget", rows[0].Repository)
	assert.Equal(t, "alice", rows[0].Author)
	assert.Equal(t, "main", rows[0].Branch)
	assert.Equal(t, "initial import", rows[0].Comment)
	assert.Equal(t, 3, rows[0].FileChanges)
}

func TestSyncRepoConvergesAcrossPasses(t *testing.T) {
	base := time.Date(2023, 5, 10, 12, 0, 0, 0, time.UTC)
	hist := &fakeHistory{commits: map[string][]model.CommitFact{
		"main": {fact("c1", "alice", "one", base, 1)},
	}}
	src := newFakeSource()
	src.histories["widget"] = hist
	tr := model.TrackedRepo{Name: "widget", RemoteURL: "https://github.com/acme/widget.git"}
	s, st := newTestSyncer(t, src, []model.TrackedRepo{tr})

	res, err := s.SyncRepo(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewCommits)

	// Two commits land upstream between passes.
	hist.commits["main"] = append(hist.commits["main"],
		fact("c2", "bob", "two", base.Add(time.Hour), 2),
		fact("c3", "alice", "three", base.Add(2*time.Hour), 1),
	)

	res, err = s.SyncRepo(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NewCommits, "only the unseen commits are appended")
	assert.True(t, res.LastCommitDate.Equal(base.Add(2*time.Hour)))

	rows, err := st.CommitRows(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestSyncRepoIdempotent(t *testing.T) {
	base := time.Date(2024, 2, 2, 8, 0, 0, 0, time.UTC)
	src := newFakeSource()
	src.histories["widget"] = &fakeHistory{commits: map[string][]model.CommitFact{
		"main": {
			fact("c1", "alice", "one", base, 1),
			fact("c2", "bob", "two", base.Add(time.Minute), 4),
		},
	}}
	tr := model.TrackedRepo{Name: "widget", RemoteURL: "https://github.com/acme/widget.git"}
	s, st := newTestSyncer(t, src, []model.TrackedRepo{tr})

	res, err := s.SyncRepo(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, 2, res.NewCommits)
	firstDate := res.LastCommitDate

	res, err = s.SyncRepo(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewCommits)
	assert.True(t, res.LastCommitDate.Equal(firstDate))

	rows, err := st.CommitRows(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSyncRepoSkipsUnchangedBranch(t *testing.T) {
	base := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	hist := &fakeHistory{commits: map[string][]model.CommitFact{
		"main": {fact("c1", "alice", "one", base, 1)},
	}}
	src := newFakeSource()
	src.histories["widget"] = hist
	tr := model.TrackedRepo{Name: "widget", RemoteURL: "https://github.com/acme/widget.git"}
	s, _ := newTestSyncer(t, src, []model.TrackedRepo{tr})

	_, err := s.SyncRepo(context.Background(), tr)
	require.NoError(t, err)
	require.Equal(t, 1, hist.walks)

	// Second pass sees the same tip and never walks the branch.
	res, err := s.SyncRepo(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, 1, hist.walks)
	assert.Equal(t, 0, res.NewCommits)
	assert.True(t, res.LastCommitDate.Equal(base))
}

func TestSyncRepoPartialWalkStillBumps(t *testing.T) {
	base := time.Date(2024, 4, 4, 0, 0, 0, 0, time.UTC)
	src := newFakeSource()
	src.histories["widget"] = &fakeHistory{
		commits: map[string][]model.CommitFact{
			"main": {
				fact("c1", "alice", "one", base, 1),
				fact("c2", "alice", "two", base.Add(time.Hour), 1),
				fact("c3", "alice", "three", base.Add(2*time.Hour), 1),
			},
		},
		walkFailAfter: map[string]int{"main": 2},
	}
	tr := model.TrackedRepo{Name: "widget", RemoteURL: "https://github.com/acme/widget.git"}
	s, st := newTestSyncer(t, src, []model.TrackedRepo{tr})

	res, err := s.SyncRepo(context.Background(), tr)
	require.Error(t, err)
	assert.Equal(t, 2, res.NewCommits)

	// LastCommitDate reflects what was persisted, never the lost tail.
	repo, err := st.RepositoryByName(context.Background(), "widget")
	require.NoError(t, err)
	assert.True(t, repo.LastCommitDate.Equal(base.Add(time.Hour)))
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	src := newFakeSource()
	src.histories["good"] = &fakeHistory{commits: map[string][]model.CommitFact{
		"main": {fact("g1", "alice", "fine", base, 1)},
	}}
	src.histories["bad"] = &fakeHistory{commits: map[string][]model.CommitFact{}}
	src.ensureErr["bad"] = fmt.Errorf("remote unreachable")

	repos := []model.TrackedRepo{
		{Name: "good", RemoteURL: "https://github.com/acme/good.git"},
		{Name: "bad", RemoteURL: "https://github.com/acme/bad.git"},
	}
	s, st := newTestSyncer(t, src, repos)

	summary := s.RunOnce(context.Background())
	require.Len(t, summary.Results, 2)
	assert.Equal(t, 1, summary.Failed())

	for _, res := range summary.Results {
		switch res.Repo {
		case "good":
			assert.NoError(t, res.Err)
			assert.Equal(t, 1, res.NewCommits)
		case "bad":
			assert.Error(t, res.Err)
		default:
			t.Fatalf("unexpected result for %q", res.Repo)
		}
	}

	// The failed repository left no trace in the store.
	_, err := st.RepositoryByName(context.Background(), "bad")
	assert.ErrorIs(t, err, store.ErrNotFound)

	rows, err := st.CommitRows(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestSyncRepoEnrollsCreatorFromRemote(t *testing.T) {
	base := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	src := newFakeSource()
	src.histories["widget"] = &fakeHistory{commits: map[string][]model.CommitFact{
		"main": {fact("c1", "bob", "one", base, 1)},
	}}
	tr := model.TrackedRepo{Name: "widget", RemoteURL: "git@github.com:acme/widget.git"}
	s, st := newTestSyncer(t, src, []model.TrackedRepo{tr})

	_, err := s.SyncRepo(context.Background(), tr)
	require.NoError(t, err)

	// The remote owner becomes the repository creator even though no
	// commit of theirs is in the history.
	top, err := st.TopCommitters(context.Background(), "widget", 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "bob", top[0].Name)
}
