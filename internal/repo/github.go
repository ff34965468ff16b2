package repo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v68/github"
)

const (
	githubDefaultAPI = "https://api.github.com"
	githubMaxRetries = 3
	githubMaxWait    = time.Minute
)

// IssueComment is the subset of the GitHub comment resource we read back.
type IssueComment struct {
	ID      int64
	HTMLURL string
}

// GitHubClient posts pull request comments through the GitHub REST API.
type GitHubClient struct {
	client    *github.Client
	owner     string
	repo      string
	retryBase time.Duration
}

// NewGitHubClient constructs a client for repository ("owner/name"). A baseURL other than
// api.github.com is treated as a GitHub Enterprise endpoint.
func NewGitHubClient(baseURL, repository, token string, timeout time.Duration) (*GitHubClient, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewGitHubClientWithHTTPClient(&http.Client{Timeout: timeout}, baseURL, repository, token)
}

// NewGitHubClientWithHTTPClient is NewGitHubClient over a caller-supplied HTTP client.
func NewGitHubClientWithHTTPClient(httpClient *http.Client, baseURL, repository, token string) (*GitHubClient, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(repository), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("repository must be owner/name, got %q", repository)
	}
	if token == "" {
		return nil, fmt.Errorf("github token not configured")
	}

	client := github.NewClient(httpClient).WithAuthToken(token)
	if base := strings.TrimRight(baseURL, "/"); base != "" && base != githubDefaultAPI {
		var err error
		client, err = client.WithEnterpriseURLs(base, base)
		if err != nil {
			return nil, fmt.Errorf("github api url %q: %w", baseURL, err)
		}
	}
	return &GitHubClient{client: client, owner: owner, repo: name, retryBase: time.Second}, nil
}

// CreateIssueComment posts body on issue or pull request number. Server errors and rate
// limiting are retried; other API errors fail immediately.
func (c *GitHubClient) CreateIssueComment(ctx context.Context, number int, body string) (IssueComment, error) {
	if number <= 0 {
		return IssueComment{}, fmt.Errorf("invalid pull request number %d", number)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, githubMaxRetries), ctx)

	var created *github.IssueComment
	op := func() error {
		comment, _, err := c.client.Issues.CreateComment(ctx, c.owner, c.repo, number, &github.IssueComment{Body: github.Ptr(body)})
		if err != nil {
			return c.classify(ctx, err)
		}
		created = comment
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return IssueComment{}, fmt.Errorf("github comment request failed: %w", err)
	}
	return IssueComment{ID: created.GetID(), HTMLURL: created.GetHTMLURL()}, nil
}

// classify waits out rate limits and marks errors that retrying cannot fix as permanent.
func (c *GitHubClient) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(err)
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		if werr := sleepCtx(ctx, capWait(time.Until(rateErr.Rate.Reset.Time))); werr != nil {
			return backoff.Permanent(werr)
		}
		return err
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		if werr := sleepCtx(ctx, capWait(abuseErr.GetRetryAfter())); werr != nil {
			return backoff.Permanent(werr)
		}
		return err
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		status := respErr.Response.StatusCode
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
			return err
		}
		return backoff.Permanent(err)
	}
	// transport failure
	return err
}

func capWait(d time.Duration) time.Duration {
	return min(max(d, 0), githubMaxWait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
