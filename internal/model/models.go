// internal/model/models.go
package model

import (
	"strings"
	"time"
)

// TrackedRepo is one registry entry: an external repository configured for
// ingestion.
type TrackedRepo struct {
	Name      string `json:"name"`
	RemoteURL string `json:"ssh_url"`
	Owner     string `json:"owner,omitempty"`
}

// CreatorName resolves the staff member recorded as the repository creator.
// An explicit owner wins; otherwise it is derived from the remote locator,
// falling back to the repository name.
func (t TrackedRepo) CreatorName() string {
	if t.Owner != "" {
		return t.Owner
	}
	if owner, _, ok := SplitRemote(t.RemoteURL); ok {
		return owner
	}
	return t.Name
}

// SplitRemote extracts the owner and repository segments from an ssh or
// https git remote, e.g. "git@github.com:owner/repo.git" or
// "https://github.com/owner/repo".
func SplitRemote(remote string) (owner, name string, ok bool) {
	s := strings.TrimSuffix(remote, ".git")
	if i := strings.Index(s, "://"); i >= 0 {
		// url form: strip scheme and host
		s = s[i+3:]
		if j := strings.Index(s, "/"); j >= 0 {
			s = s[j+1:]
		}
	} else if i := strings.LastIndex(s, ":"); i >= 0 {
		// scp-like ssh form: everything after the colon is the path
		s = s[i+1:]
	}
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) < 2 {
		return "", "", false
	}
	owner = parts[len(parts)-2]
	name = parts[len(parts)-1]
	if owner == "" || name == "" {
		return "", "", false
	}
	return owner, name, true
}

// IsGitHubRemote reports whether a remote locator points at github.com.
func IsGitHubRemote(remote string) bool {
	return strings.Contains(remote, "github.com")
}

// CommitFact is one observed commit, read from history and not yet persisted.
type CommitFact struct {
	Hash        string
	Author      string
	Message     string
	When        time.Time
	FileChanges int
}

// SyncResult is the outcome of one sync pass for a single repository.
type SyncResult struct {
	Repo           string
	Branches       int
	NewCommits     int
	LastCommitDate time.Time
	Err            error
}

// RunSummary aggregates the per-repository outcomes of one full run.
type RunSummary struct {
	Results []SyncResult
}

// Failed returns the number of repositories whose pass ended in an error.
func (s RunSummary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
