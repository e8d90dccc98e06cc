// Package github fetches repository metadata and open issues from the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	gogithub "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"repowatch/pkg/watch"
)

const (
	perPage         = 100
	defaultMaxPages = 3
)

// Config holds client settings.
type Config struct {
	Logger   *slog.Logger
	Token    string        // Optional bearer credential
	BaseURL  string        // GitHub Enterprise API root; empty for github.com
	Timeout  time.Duration // Per-request HTTP timeout
	MaxPages int           // Open-item pages fetched per repository
	Attempts uint          // Retry attempts for transient failures
}

// Client talks to GitHub on behalf of the watcher.
type Client struct {
	gh       *gogithub.Client
	logger   *slog.Logger
	maxPages int
	attempts uint
}

// New creates a client from cfg.
func New(cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(context.Background(), ts)
		httpClient.Timeout = timeout
	} else {
		cfg.Logger.Warn("No GitHub token configured; unauthenticated requests are limited to 60 per hour")
	}

	gh := gogithub.NewClient(httpClient)
	if cfg.BaseURL != "" {
		base := strings.TrimSuffix(cfg.BaseURL, "/") + "/"
		var err error
		gh, err = gh.WithEnterpriseURLs(base, base)
		if err != nil {
			return nil, fmt.Errorf("configure GitHub base URL: %w", err)
		}
	}

	return NewWithClient(gh, cfg), nil
}

// NewWithClient wraps an existing go-github client.
func NewWithClient(gh *gogithub.Client, cfg Config) *Client {
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = 3
	}
	return &Client{
		gh:       gh,
		logger:   cfg.Logger,
		maxPages: maxPages,
		attempts: attempts,
	}
}

// RepositoryExists reports whether repo resolves. A 404 is (false, nil).
func (c *Client) RepositoryExists(ctx context.Context, repo string) (bool, error) {
	owner, name, err := split(repo)
	if err != nil {
		return false, err
	}

	err = c.do(ctx, repo, "get_repository", func() error {
		_, _, err := c.gh.Repositories.Get(ctx, owner, name)
		return err
	})
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListLabels returns every label name defined on repo. Pages are fetched
// until one comes back short.
func (c *Client) ListLabels(ctx context.Context, repo string) ([]string, error) {
	owner, name, err := split(repo)
	if err != nil {
		return nil, err
	}

	var names []string
	for page := 1; ; page++ {
		var labels []*gogithub.Label
		err := c.do(ctx, repo, "list_labels", func() error {
			var err error
			labels, _, err = c.gh.Issues.ListLabels(ctx, owner, name, &gogithub.ListOptions{Page: page, PerPage: perPage})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, l := range labels {
			names = append(names, l.GetName())
		}
		if len(labels) < perPage {
			break
		}
	}

	c.logger.Debug("Labels fetched", "repo", repo, "count", len(names))
	return names, nil
}

// ListOpenItems returns open issues and pull requests, most recently updated
// first, filtered by q. Results span at most MaxPages pages.
func (c *Client) ListOpenItems(ctx context.Context, repo string, q watch.Query) ([]*watch.Item, error) {
	owner, name, err := split(repo)
	if err != nil {
		return nil, err
	}

	opts := &gogithub.IssueListByRepoOptions{
		State:       "open",
		Sort:        "updated",
		Direction:   "desc",
		Labels:      q.Labels,
		ListOptions: gogithub.ListOptions{PerPage: perPage, Page: 1},
	}
	if q.HasSince() {
		opts.Since = q.Since.UTC()
	}

	var items []*watch.Item
	for pages := 0; pages < c.maxPages; pages++ {
		var issues []*gogithub.Issue
		var resp *gogithub.Response
		err := c.do(ctx, repo, "list_issues", func() error {
			var err error
			issues, resp, err = c.gh.Issues.ListByRepo(ctx, owner, name, opts)
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, is := range issues {
			if is == nil {
				continue
			}
			items = append(items, toItem(is))
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return items, nil
}

// do runs one API call with logging and retries for transient failures.
func (c *Client) do(ctx context.Context, repo, op string, call func() error) error {
	err := retry.Do(
		func() error {
			start := time.Now()
			err := call()
			duration := time.Since(start)
			if err != nil {
				err = classify(err, repo)
				c.logger.Debug("GitHub API request failed",
					"op", op,
					"repo", repo,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			c.logger.Debug("GitHub API request completed",
				"op", op,
				"repo", repo,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying GitHub request after error", "attempt", n, "op", op, "repo", repo, "error", err)
		}),
	)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return notFound
		}
		return fmt.Errorf("%s %s: %w", op, repo, err)
	}
	return nil
}

func toItem(is *gogithub.Issue) *watch.Item {
	item := &watch.Item{
		Number:    is.GetNumber(),
		Kind:      watch.KindIssue,
		CreatedAt: is.GetCreatedAt().Time,
		UpdatedAt: is.GetUpdatedAt().Time,
		Title:     is.GetTitle(),
		URL:       is.GetHTMLURL(),
		Author:    is.GetUser().GetLogin(),
		AuthorURL: is.GetUser().GetHTMLURL(),
		Body:      is.GetBody(),
	}
	if is.IsPullRequest() {
		item.Kind = watch.KindPullRequest
	}
	for _, l := range is.Labels {
		item.Labels = append(item.Labels, l.GetName())
	}
	return item
}

func split(repo string) (owner, name string, err error) {
	if err := watch.ValidateRepository(repo); err != nil {
		return "", "", err
	}
	owner, name, _ = strings.Cut(repo, "/")
	return owner, name, nil
}
