package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const itemTitlePreview = 50

type changeOptions struct {
	MonitorSelector string `mapstructure:"monitor_selector"`
	ItemSelector    string `mapstructure:"item_selector"`
	TitleSelector   string `mapstructure:"title_selector"`
}

// ChangeDetector watches a fragment of a web page. Its watermark is the hex
// sha256 of the fragment's HTML; an unchanged hash yields no items.
type ChangeDetector struct {
	client *HTTPClient
	logger logger.Logger
	now    func() time.Time
}

// NewChangeDetector creates a ChangeDetector.
func NewChangeDetector(client *HTTPClient, log logger.Logger) *ChangeDetector {
	return &ChangeDetector{client: client, logger: log, now: time.Now}
}

// Kind implements Adapter.
func (a *ChangeDetector) Kind() domain.SourceKind { return domain.SourceKindChangeDetector }

// FetchItems implements Adapter.
func (a *ChangeDetector) FetchItems(ctx context.Context, src *domain.Source, watermark string) (*Result, error) {
	var opts changeOptions
	if err := decodeMeta(src.Meta, &opts); err != nil {
		return nil, err
	}
	if opts.MonitorSelector == "" {
		return nil, fmt.Errorf("%w: monitor_selector is required for %s", ErrInvalidSource, src.Name)
	}

	resp, err := a.client.Get(ctx, Request{
		URL: src.URL,
		Header: http.Header{
			"Accept":          []string{"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
			"Accept-Language": []string{"en-US,en;q=0.5"},
			"Cache-Control":   []string{"no-cache"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch page %s: %w", src.URL, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(resp.Body)))
	if err != nil {
		return nil, fmt.Errorf("parse page %s: %w", src.URL, err)
	}

	monitored := doc.Find(opts.MonitorSelector)
	if monitored.Length() == 0 {
		a.logger.Warn("Monitor selector matched nothing",
			logger.String("source", src.Name),
			logger.String("selector", opts.MonitorSelector),
		)
		return &Result{NextWatermark: watermark}, nil
	}

	fragment, _ := monitored.Html()
	sum := sha256.Sum256([]byte(fragment))
	hash := hex.EncodeToString(sum[:])

	if hash == watermark {
		a.logger.Debug("No content change", logger.String("source", src.Name))
		return &Result{NextWatermark: watermark}, nil
	}

	var items []domain.FetchedItem
	if opts.ItemSelector == "" {
		text := visibleText(monitored)
		if text != "" {
			items = append(items, domain.FetchedItem{
				Title:       pageTitle(doc, opts.TitleSelector, src),
				Content:     Sanitize(text),
				URL:         src.URL,
				PublishedAt: a.now().UTC(),
				Metadata: map[string]any{
					"type":         "content_monitor",
					"content_hash": hash,
					"selector":     opts.MonitorSelector,
				},
			})
		}
	} else {
		items = a.extractItems(monitored, opts, src)
	}

	a.logger.Info("Detected content change",
		logger.String("source", src.Name),
		logger.Int("items", len(items)),
	)
	return &Result{Items: items, NextWatermark: hash}, nil
}

func (a *ChangeDetector) extractItems(container *goquery.Selection, opts changeOptions, src *domain.Source) []domain.FetchedItem {
	var items []domain.FetchedItem
	now := a.now().UTC()

	container.Find(opts.ItemSelector).Each(func(i int, el *goquery.Selection) {
		text := visibleText(el)
		if text == "" {
			return
		}
		items = append(items, domain.FetchedItem{
			Title:       itemTitle(el, opts.TitleSelector, text, i, src.URL),
			Content:     Sanitize(text),
			URL:         itemURL(el, src.URL),
			PublishedAt: now,
			Metadata: map[string]any{
				"type":       "content_monitor_item",
				"item_index": i,
				"selector":   opts.ItemSelector,
			},
		})
	})
	return items
}

func visibleText(sel *goquery.Selection) string {
	clone := sel.Clone()
	clone.Find("script, style, noscript").Remove()
	return strings.Join(strings.Fields(clone.Text()), " ")
}

func pageTitle(doc *goquery.Document, titleSelector string, src *domain.Source) string {
	var custom string
	if titleSelector != "" {
		custom = strings.TrimSpace(doc.Find(titleSelector).First().Text())
	}
	title := firstNonEmpty(
		custom,
		strings.TrimSpace(doc.Find("title").First().Text()),
		strings.TrimSpace(doc.Find("h1").First().Text()),
		metaContent(doc, `meta[property="og:title"]`),
		src.Name,
	)
	if title == "" {
		return "Content from " + domainOf(src.URL)
	}
	return title
}

func itemTitle(el *goquery.Selection, titleSelector, text string, index int, sourceURL string) string {
	var custom string
	if titleSelector != "" {
		custom = strings.TrimSpace(el.Find(titleSelector).First().Text())
	}
	title := firstNonEmpty(
		custom,
		strings.TrimSpace(el.Find("h1, h2, h3, h4, h5, h6").First().Text()),
		strings.TrimSpace(el.Find(".title, .name, .header").First().Text()),
		strings.TrimSpace(el.Find("a").First().Text()),
	)
	if title != "" {
		return title
	}
	if r := []rune(text); len(r) > itemTitlePreview {
		return string(r[:itemTitlePreview]) + "..."
	}
	return fmt.Sprintf("Item %d from %s", index+1, domainOf(sourceURL))
}

func itemURL(el *goquery.Selection, sourceURL string) string {
	href, ok := el.Find("a[href]").First().Attr("href")
	if !ok {
		return sourceURL
	}
	base, err := url.Parse(sourceURL)
	if err != nil {
		return sourceURL
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return sourceURL
	}
	return base.ResolveReference(ref).String()
}
