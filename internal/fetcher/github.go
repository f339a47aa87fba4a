package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/go-github/v74/github"
	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const (
	githubCommits = "commits"

	minCommitMessage = 10
	githubPageSize   = 30
)

var githubRepoPattern = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)`)

type githubOptions struct {
	Type string `mapstructure:"type"`
}

// GitHubAdapter reads releases or commits of a GitHub repository.
type GitHubAdapter struct {
	gh     *github.Client
	logger logger.Logger
}

// NewGitHubAdapter creates a GitHubAdapter. Requests go through the retrying
// transport of client. rps <= 0 disables client-side rate limiting.
func NewGitHubAdapter(client *HTTPClient, baseURL, token string, rps float64, log logger.Logger) *GitHubAdapter {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	gh := github.NewClient(&http.Client{Transport: client.Transport(limiter)})
	gh.UserAgent = client.userAgent
	if token != "" {
		gh = gh.WithAuthToken(token)
	} else {
		log.Warn("No GitHub token configured, API requests are limited to 60/hour")
	}
	if baseURL != "" {
		u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
		if err != nil {
			log.Warn("Ignoring invalid GitHub API URL", logger.String("url", baseURL), logger.Error(err))
		} else {
			gh.BaseURL = u
		}
	}
	return &GitHubAdapter{gh: gh, logger: log}
}

// Kind implements Adapter.
func (a *GitHubAdapter) Kind() domain.SourceKind { return domain.SourceKindCodeHost }

// FetchItems implements Adapter. The watermark is an RFC3339 timestamp.
func (a *GitHubAdapter) FetchItems(ctx context.Context, src *domain.Source, watermark string) (*Result, error) {
	owner, repo, err := parseGitHubURL(src.URL)
	if err != nil {
		return nil, err
	}

	var opts githubOptions
	if err = decodeMeta(src.Meta, &opts); err != nil {
		return nil, err
	}

	var res *Result
	if opts.Type == githubCommits {
		res, err = a.commits(ctx, owner, repo, watermark)
	} else {
		res, err = a.releases(ctx, owner, repo, watermark)
	}
	if err != nil {
		return nil, fmt.Errorf("github %s/%s: %w", owner, repo, err)
	}

	a.logger.Info("Fetched GitHub repository",
		logger.String("source", src.Name),
		logger.String("repository", owner+"/"+repo),
		logger.Int("items", len(res.Items)),
	)
	return res, nil
}

func parseGitHubURL(raw string) (owner, repo string, err error) {
	m := githubRepoPattern.FindStringSubmatch(raw)
	if m == nil {
		return "", "", fmt.Errorf("%w: not a GitHub repository URL: %s", ErrInvalidSource, raw)
	}
	return m[1], strings.TrimSuffix(m[2], ".git"), nil
}

func (a *GitHubAdapter) releases(ctx context.Context, owner, repo, watermark string) (*Result, error) {
	releases, _, err := a.gh.Repositories.ListReleases(ctx, owner, repo, &github.ListOptions{PerPage: githubPageSize})
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}

	cutoff, hasCutoff := parseTimestamp(watermark)
	var newest time.Time
	items := make([]domain.FetchedItem, 0, len(releases))

	for _, r := range releases {
		if r.GetDraft() {
			continue
		}
		published := r.GetPublishedAt().Time
		if hasCutoff && !published.After(cutoff) {
			continue
		}
		if published.After(newest) {
			newest = published
		}

		label := r.GetName()
		if label == "" {
			label = r.GetTagName()
		}
		body := r.GetBody()
		if strings.TrimSpace(body) == "" {
			body = "No description provided"
		}

		items = append(items, domain.FetchedItem{
			Title:       repo + " " + label,
			Content:     Sanitize(body),
			URL:         r.GetHTMLURL(),
			PublishedAt: published.UTC(),
			Metadata: map[string]any{
				"type":       "github_release",
				"tag_name":   r.GetTagName(),
				"prerelease": r.GetPrerelease(),
				"author":     r.GetAuthor().GetLogin(),
				"repository": owner + "/" + repo,
			},
		})
	}

	return &Result{Items: items, NextWatermark: advance(watermark, newest)}, nil
}

func (a *GitHubAdapter) commits(ctx context.Context, owner, repo, watermark string) (*Result, error) {
	opts := &github.CommitsListOptions{ListOptions: github.ListOptions{PerPage: githubPageSize}}
	if since, ok := parseTimestamp(watermark); ok {
		opts.Since = since
	}

	commits, _, err := a.gh.Repositories.ListCommits(ctx, owner, repo, opts)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}

	var newest time.Time
	items := make([]domain.FetchedItem, 0, len(commits))

	for _, c := range commits {
		author := c.GetCommit().GetAuthor()
		date := author.GetDate().Time
		if date.After(newest) {
			newest = date
		}

		msg := c.GetCommit().GetMessage()
		if strings.HasPrefix(msg, "Merge ") || len(msg) < minCommitMessage {
			continue
		}
		firstLine, _, _ := strings.Cut(msg, "\n")

		items = append(items, domain.FetchedItem{
			Title:       repo + ": " + strings.TrimSpace(firstLine),
			Content:     Sanitize(msg),
			URL:         c.GetHTMLURL(),
			PublishedAt: date.UTC(),
			Metadata: map[string]any{
				"type":       "github_commit",
				"sha":        c.GetSHA(),
				"author":     author.GetName(),
				"repository": owner + "/" + repo,
			},
		})
	}

	return &Result{Items: items, NextWatermark: advance(watermark, newest)}, nil
}

// advance returns newest as RFC3339 when it is later than the current
// watermark, otherwise the current watermark.
func advance(watermark string, newest time.Time) string {
	if newest.IsZero() {
		return watermark
	}
	if cur, ok := parseTimestamp(watermark); ok && !newest.After(cur) {
		return watermark
	}
	return newest.UTC().Format(time.RFC3339)
}
