// Package repostats reads public repository metadata from GitHub.
package repostats

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	gh "github.com/google/go-github/v66/github"
	"go.uber.org/zap"
)

// ErrNotFound is returned for missing or private repositories
var ErrNotFound = errors.New("repository not found")

var repoPattern = regexp.MustCompile(`^(?:https?://)?(?:www\.)?github\.com/([A-Za-z0-9][A-Za-z0-9-]*)/([A-Za-z0-9._-]+?)(?:\.git)?(?:[/?#].*)?$`)

// ParseRepoURL extracts owner and repository from a github.com URL
func ParseRepoURL(raw string) (owner, repo string, ok bool) {
	m := repoPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Stats is the subset of repository metadata shown in the directory
type Stats struct {
	FullName    string
	Description string
	Stars       int
	Forks       int
	OpenIssues  int
	Language    string
	License     string
	Topics      []string
	Archived    bool
	PushedAt    time.Time
}

// Client fetches repository stats
type Client struct {
	gh     *gh.Client
	logger *zap.Logger
}

// New creates a client; token may be empty for unauthenticated access
func New(token string, httpClient *http.Client, logger *zap.Logger) *Client {
	c := gh.NewClient(httpClient)
	if token != "" {
		c = c.WithAuthToken(token)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{gh: c, logger: logger}
}

// WithBaseURL points the client at another API root, such as GitHub Enterprise or a test server
func (c *Client) WithBaseURL(base string) (*Client, error) {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c.gh.BaseURL = u
	return c, nil
}

// Fetch loads stats for owner/repo
func (c *Client) Fetch(ctx context.Context, owner, repo string) (*Stats, error) {
	r, resp, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s/%s: %w", owner, repo, ErrNotFound)
		}
		var rl *gh.RateLimitError
		if errors.As(err, &rl) {
			c.logger.Warn("github rate limit hit", zap.Time("reset", rl.Rate.Reset.Time))
		}
		return nil, fmt.Errorf("get repository %s/%s: %w", owner, repo, err)
	}

	s := &Stats{
		FullName:    r.GetFullName(),
		Description: r.GetDescription(),
		Stars:       r.GetStargazersCount(),
		Forks:       r.GetForksCount(),
		OpenIssues:  r.GetOpenIssuesCount(),
		Language:    r.GetLanguage(),
		Topics:      r.Topics,
		Archived:    r.GetArchived(),
		PushedAt:    r.GetPushedAt().Time,
	}
	if lic := r.GetLicense(); lic != nil {
		s.License = lic.GetSPDXID()
	}
	return s, nil
}

// FetchURL parses a repository URL and fetches its stats
func (c *Client) FetchURL(ctx context.Context, raw string) (*Stats, error) {
	owner, repo, ok := ParseRepoURL(raw)
	if !ok {
		return nil, fmt.Errorf("not a github repository url: %q", raw)
	}
	return c.Fetch(ctx, owner, repo)
}
