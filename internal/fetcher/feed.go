package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

// FeedAdapter reads RSS, Atom and JSON feeds.
type FeedAdapter struct {
	client *HTTPClient
	logger logger.Logger
	now    func() time.Time
}

// NewFeedAdapter creates a FeedAdapter.
func NewFeedAdapter(client *HTTPClient, log logger.Logger) *FeedAdapter {
	return &FeedAdapter{client: client, logger: log, now: time.Now}
}

// Kind implements Adapter.
func (a *FeedAdapter) Kind() domain.SourceKind { return domain.SourceKindFeed }

// FetchItems implements Adapter. The watermark is the newest published time
// already seen, as RFC3339.
func (a *FeedAdapter) FetchItems(ctx context.Context, src *domain.Source, watermark string) (*Result, error) {
	resp, err := a.client.Get(ctx, Request{
		URL: src.URL,
		Header: http.Header{
			"Accept": []string{"application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", src.URL, err)
	}

	feed, err := gofeed.NewParser().ParseString(string(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", src.URL, err)
	}

	cutoff, hasCutoff := parseTimestamp(watermark)
	var newest time.Time
	items := make([]domain.FetchedItem, 0, len(feed.Items))

	for _, entry := range feed.Items {
		published := entryTime(entry)
		if hasCutoff && !published.IsZero() && !published.After(cutoff) {
			continue
		}

		title := strings.TrimSpace(entry.Title)
		if title == "" {
			a.logger.Debug("Skipping feed item without title", logger.String("source", src.Name))
			continue
		}

		if published.After(newest) {
			newest = published
		}
		if published.IsZero() {
			published = a.now().UTC()
		}

		items = append(items, domain.FetchedItem{
			Title:       title,
			Content:     Sanitize(stripHTML(entryContent(entry))),
			URL:         entryLink(entry),
			PublishedAt: published,
			Metadata: map[string]any{
				"guid":       entry.GUID,
				"author":     entryAuthor(entry),
				"categories": entry.Categories,
				"source":     feed.Title,
			},
		})
	}

	next := advance(watermark, newest)

	a.logger.Info("Fetched feed",
		logger.String("source", src.Name),
		logger.Int("items", len(items)),
		logger.Int("entries", len(feed.Items)),
	)
	return &Result{Items: items, NextWatermark: next}, nil
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func entryTime(e *gofeed.Item) time.Time {
	switch {
	case e.PublishedParsed != nil:
		return e.PublishedParsed.UTC()
	case e.UpdatedParsed != nil:
		return e.UpdatedParsed.UTC()
	default:
		return time.Time{}
	}
}

func entryContent(e *gofeed.Item) string {
	if strings.TrimSpace(e.Content) != "" {
		return e.Content
	}
	return e.Description
}

func entryLink(e *gofeed.Item) string {
	if e.Link != "" {
		return e.Link
	}
	if strings.HasPrefix(e.GUID, "http") {
		return e.GUID
	}
	return ""
}

func entryAuthor(e *gofeed.Item) string {
	if e.Author != nil && e.Author.Name != "" {
		return e.Author.Name
	}
	for _, p := range e.Authors {
		if p != nil && p.Name != "" {
			return p.Name
		}
	}
	return ""
}

// stripHTML returns the text content of an HTML fragment.
func stripHTML(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return fragment
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}
	return doc.Text()
}
