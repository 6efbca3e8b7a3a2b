// internal/github/client.go

// Package github ingests raw issue, milestone and label data for tracked
// repositories hosted on github.com. Storage only; tracking logic lives
// elsewhere or nowhere.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"

	"repotracker/internal/model"
	"repotracker/internal/store"
)

const (
	// Max page size accepted by the API.
	perPage = 100

	// maxRetries bounds attempts per API call on server errors.
	maxRetries = 4
)

// Client is a wrapper around the go-github client.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
}

// NewClient creates and configures a new Client instance. The provided
// token is used to create an authenticated http.Client.
func NewClient(token string, logger *slog.Logger) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)

	return &Client{
		gh:     github.NewClient(tc),
		logger: logger,
	}
}

// Ingest stores the repository's milestones, labels and issues. Existing
// rows are refreshed in place; nothing is ever deleted.
func (c *Client) Ingest(ctx context.Context, st store.Store, repoID int64, remote string) error {
	owner, name, ok := model.SplitRemote(remote)
	if !ok {
		return fmt.Errorf("cannot derive owner/name from remote %q", remote)
	}
	logger := c.logger.With("owner", owner, "repo", name)

	milestoneIDs, err := c.ingestMilestones(ctx, st, repoID, owner, name)
	if err != nil {
		return err
	}
	labelIDs, err := c.ingestLabels(ctx, st, repoID, owner, name)
	if err != nil {
		return err
	}

	count, err := c.ingestIssues(ctx, st, repoID, owner, name, milestoneIDs, labelIDs)
	if err != nil {
		return err
	}
	logger.Info("Issue data ingested", "issues", count, "milestones", len(milestoneIDs), "labels", len(labelIDs))
	return nil
}

// ingestMilestones returns a milestone-number to store-id map.
func (c *Client) ingestMilestones(ctx context.Context, st store.Store, repoID int64, owner, name string) (map[int]int64, error) {
	ids := make(map[int]int64)
	opts := &github.MilestoneListOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	for {
		var (
			milestones []*github.Milestone
			resp       *github.Response
		)
		err := c.retry(ctx, func() (*github.Response, error) {
			var err error
			milestones, resp, err = c.gh.Issues.ListMilestones(ctx, owner, name, opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("listing milestones: %w", err)
		}

		for _, m := range milestones {
			id, err := st.UpsertMilestone(ctx, store.Milestone{
				RepoID:      repoID,
				Number:      m.GetNumber(),
				Title:       m.GetTitle(),
				Description: m.GetDescription(),
				State:       m.GetState(),
				DueDate:     timestampPtr(m.DueOn),
				ClosedAt:    timestampPtr(m.ClosedAt),
			})
			if err != nil {
				return nil, err
			}
			ids[m.GetNumber()] = id
		}

		if resp.NextPage == 0 {
			return ids, nil
		}
		opts.Page = resp.NextPage
	}
}

// ingestLabels returns a label-name to store-id map.
func (c *Client) ingestLabels(ctx context.Context, st store.Store, repoID int64, owner, name string) (map[string]int64, error) {
	ids := make(map[string]int64)
	opts := &github.ListOptions{PerPage: perPage}
	for {
		var (
			labels []*github.Label
			resp   *github.Response
		)
		err := c.retry(ctx, func() (*github.Response, error) {
			var err error
			labels, resp, err = c.gh.Issues.ListLabels(ctx, owner, name, opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("listing labels: %w", err)
		}

		for _, l := range labels {
			id, err := st.UpsertLabel(ctx, store.Label{
				RepoID:      repoID,
				Name:        l.GetName(),
				Description: l.GetDescription(),
				Color:       l.GetColor(),
			})
			if err != nil {
				return nil, err
			}
			ids[l.GetName()] = id
		}

		if resp.NextPage == 0 {
			return ids, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) ingestIssues(ctx context.Context, st store.Store, repoID int64, owner, name string, milestoneIDs map[int]int64, labelIDs map[string]int64) (int, error) {
	count := 0
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		ListOptions: github.ListOptions{PerPage: perPage},
	}
	for {
		var (
			issues []*github.Issue
			resp   *github.Response
		)
		err := c.retry(ctx, func() (*github.Response, error) {
			var err error
			issues, resp, err = c.gh.Issues.ListByRepo(ctx, owner, name, opts)
			return resp, err
		})
		if err != nil {
			return count, fmt.Errorf("listing issues: %w", err)
		}

		for _, issue := range issues {
			// Pull requests surface through the issues API too; raw issue
			// storage does not cover them.
			if issue.IsPullRequest() {
				continue
			}
			if err := c.storeIssue(ctx, st, repoID, issue, milestoneIDs, labelIDs); err != nil {
				return count, err
			}
			count++
		}

		if resp.NextPage == 0 {
			return count, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) storeIssue(ctx context.Context, st store.Store, repoID int64, issue *github.Issue, milestoneIDs map[int]int64, labelIDs map[string]int64) error {
	authorID, err := st.EnsureStaff(ctx, issue.GetUser().GetLogin())
	if err != nil {
		return err
	}

	var milestoneID *int64
	if m := issue.Milestone; m != nil {
		if id, ok := milestoneIDs[m.GetNumber()]; ok {
			milestoneID = &id
		}
	}

	issueID, err := st.UpsertIssue(ctx, store.Issue{
		RepoID:      repoID,
		MilestoneID: milestoneID,
		Number:      issue.GetNumber(),
		Title:       issue.GetTitle(),
		Body:        issue.GetBody(),
		State:       issue.GetState(),
		AuthorID:    authorID,
		CreatedAt:   issue.GetCreatedAt().Time,
		UpdatedAt:   issue.GetUpdatedAt().Time,
		ClosedAt:    timestampPtr(issue.ClosedAt),
	})
	if err != nil {
		return err
	}

	var labels []int64
	for _, l := range issue.Labels {
		if id, ok := labelIDs[l.GetName()]; ok {
			labels = append(labels, id)
		}
	}
	if err := st.SetIssueLabels(ctx, issueID, labels); err != nil {
		return err
	}

	var assignees []int64
	for _, a := range issue.Assignees {
		id, err := st.EnsureStaff(ctx, a.GetLogin())
		if err != nil {
			return err
		}
		assignees = append(assignees, id)
	}
	return st.SetIssueAssignees(ctx, issueID, assignees)
}

// retry re-runs fn on server errors with linear backoff and waits out
// rate-limit resets. Client errors fail immediately.
func (c *Client) retry(ctx context.Context, fn func() (*github.Response, error)) error {
	for attempt := 1; ; attempt++ {
		resp, err := fn()
		if err == nil {
			return nil
		}

		var rateErr *github.RateLimitError
		if errors.As(err, &rateErr) {
			wait := time.Until(rateErr.Rate.Reset.Time)
			if wait < 0 {
				wait = 0
			}
			c.logger.Warn("Rate limited by API, waiting for reset", "wait", wait.String())
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if resp != nil && resp.StatusCode >= 500 && attempt < maxRetries {
			c.logger.Debug("Server error from API, retrying", "attempt", attempt, "status", resp.StatusCode)
			if err := sleep(ctx, time.Duration(attempt)*250*time.Millisecond); err != nil {
				return err
			}
			continue
		}
		return err
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func timestampPtr(ts *github.Timestamp) *time.Time {
	if ts == nil {
		return nil
	}
	t := ts.Time
	return &t
}
