package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const (
	// discordEpochMillis is 2015-01-01T00:00:00Z, the snowflake epoch.
	discordEpochMillis = 1420070400000
	discordPageSize    = 100

	maxPreviewURLs    = 3
	maxPreviewLength  = 500
	previewTimeout    = 10 * time.Second
	webhookDiscrimTag = "0000"
)

var (
	discordChannelPattern = regexp.MustCompile(`channels/\d+/(\d+)`)
	discordBareIDPattern  = regexp.MustCompile(`^\d+$`)
	messageURLPattern     = regexp.MustCompile(`https?://\S+`)

	// ErrMissingToken is returned when a Discord source is fetched without a bot token.
	ErrMissingToken = errors.New("discord bot token not configured")
)

// DiscordAdapter reads messages from a Discord channel. Its watermark is the
// id of the newest message seen.
type DiscordAdapter struct {
	client  *HTTPClient
	session *discordgo.Session
	token   string
	logger  logger.Logger
}

// NewDiscordAdapter creates a DiscordAdapter. REST calls go through the
// retrying transport of client; a baseURL other than the library default
// is reached by rewriting request URLs.
func NewDiscordAdapter(client *HTTPClient, baseURL, token string, log logger.Logger) *DiscordAdapter {
	var transport http.RoundTripper = client.Transport(rate.NewLimiter(rate.Every(time.Second), 5))
	if base := strings.TrimRight(baseURL, "/") + "/"; baseURL != "" && base != discordgo.EndpointAPI {
		transport = &rebaseTransport{from: discordgo.EndpointAPI, to: base, next: transport}
	}

	// New does not fail for a bare token.
	session, _ := discordgo.New("Bot " + token)
	session.Client = &http.Client{Transport: transport}
	session.UserAgent = client.userAgent
	session.MaxRestRetries = 0
	session.ShouldRetryOnRateLimit = false

	return &DiscordAdapter{client: client, session: session, token: token, logger: log}
}

// Kind implements Adapter.
func (a *DiscordAdapter) Kind() domain.SourceKind { return domain.SourceKindChatChannel }

// FetchItems implements Adapter.
func (a *DiscordAdapter) FetchItems(ctx context.Context, src *domain.Source, watermark string) (*Result, error) {
	if a.token == "" {
		return nil, ErrMissingToken
	}
	channelID, err := parseChannelID(src.URL)
	if err != nil {
		return nil, err
	}

	messages, err := a.session.ChannelMessages(channelID, discordPageSize, "", SnowflakeFromWatermark(watermark), "",
		discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord channel %s: %w", channelID, err)
	}

	var latest uint64
	items := make([]domain.FetchedItem, 0, len(messages))

	for _, m := range messages {
		if skipMessage(m) {
			continue
		}
		if id, parseErr := strconv.ParseUint(m.ID, 10, 64); parseErr == nil && id > latest {
			latest = id
		}

		items = append(items, domain.FetchedItem{
			Title:       "Discord: " + m.Author.Username,
			Content:     Sanitize(a.enrich(ctx, m.Content)),
			URL:         fmt.Sprintf("https://discord.com/channels/%s/%s", channelID, m.ID),
			PublishedAt: m.Timestamp.UTC(),
			Metadata: map[string]any{
				"type":       "discord_message",
				"channel_id": m.ChannelID,
				"author": map[string]any{
					"id":       m.Author.ID,
					"username": m.Author.Username,
				},
				"message_id":      m.ID,
				"has_embeds":      len(m.Embeds) > 0,
				"has_attachments": len(m.Attachments) > 0,
				"reaction_count":  len(m.Reactions),
			},
		})
	}

	next := watermark
	if latest > 0 {
		next = strconv.FormatUint(latest, 10)
	}

	a.logger.Info("Fetched Discord channel",
		logger.String("source", src.Name),
		logger.String("channel_id", channelID),
		logger.Int("items", len(items)),
	)
	return &Result{Items: items, NextWatermark: next}, nil
}

// skipMessage drops empty messages and those written by bots or webhooks.
func skipMessage(m *discordgo.Message) bool {
	if strings.TrimSpace(m.Content) == "" || m.Author == nil {
		return true
	}
	return m.Author.Bot || m.WebhookID != "" || m.Author.Discriminator == webhookDiscrimTag
}

// rebaseTransport sends requests for URLs under from to the same path
// under to.
type rebaseTransport struct {
	from string
	to   string
	next http.RoundTripper
}

func (t *rebaseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	raw := req.URL.String()
	if !strings.HasPrefix(raw, t.from) {
		return t.next.RoundTrip(req)
	}
	target, err := url.Parse(t.to + strings.TrimPrefix(raw, t.from))
	if err != nil {
		return nil, fmt.Errorf("rebase %s: %w", req.URL.Redacted(), err)
	}
	out := req.Clone(req.Context())
	out.URL = target
	out.Host = target.Host
	return t.next.RoundTrip(out)
}

func parseChannelID(raw string) (string, error) {
	if m := discordChannelPattern.FindStringSubmatch(raw); m != nil {
		return m[1], nil
	}
	if discordBareIDPattern.MatchString(raw) {
		return raw, nil
	}
	return "", fmt.Errorf("%w: not a Discord channel URL or id: %s", ErrInvalidSource, raw)
}

// SnowflakeFromWatermark returns the "after" cursor for a watermark. Numeric
// watermarks are message ids already; RFC3339 timestamps are converted to
// the smallest snowflake at that instant.
func SnowflakeFromWatermark(watermark string) string {
	if watermark == "" {
		return ""
	}
	if discordBareIDPattern.MatchString(watermark) {
		return watermark
	}
	t, ok := parseTimestamp(watermark)
	if !ok {
		return ""
	}
	ms := t.UnixMilli() - discordEpochMillis
	if ms < 0 {
		return "0"
	}
	return strconv.FormatUint(uint64(ms)<<22, 10)
}

// enrich appends link previews for up to three URLs. Failures are ignored.
func (a *DiscordAdapter) enrich(ctx context.Context, content string) string {
	urls := messageURLPattern.FindAllString(content, maxPreviewURLs)
	var b strings.Builder
	b.WriteString(content)
	for _, u := range urls {
		preview := a.preview(ctx, u)
		if preview == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n[%s]\n%s", u, preview)
	}
	return b.String()
}

func (a *DiscordAdapter) preview(ctx context.Context, link string) string {
	if _, err := url.ParseRequestURI(link); err != nil {
		return ""
	}
	resp, err := a.client.Get(ctx, Request{URL: link, Timeout: previewTimeout, MaxAttempts: 1})
	if err != nil {
		a.logger.Debug("Link preview failed", logger.String("url", link), logger.Error(err))
		return ""
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return ""
	}
	return LinkPreview(string(resp.Body))
}

// LinkPreview extracts "title\ndescription" from Open Graph, Twitter or
// plain HTML metadata, capped at 500 characters.
func LinkPreview(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	title := firstNonEmpty(
		metaContent(doc, `meta[property="og:title"]`),
		metaContent(doc, `meta[name="twitter:title"]`),
		strings.TrimSpace(doc.Find("title").First().Text()),
	)
	if title == "" {
		return ""
	}
	desc := firstNonEmpty(
		metaContent(doc, `meta[property="og:description"]`),
		metaContent(doc, `meta[name="twitter:description"]`),
		metaContent(doc, `meta[name="description"]`),
	)
	preview := title
	if desc != "" {
		preview += "\n" + desc
	}
	if r := []rune(preview); len(r) > maxPreviewLength {
		preview = string(r[:maxPreviewLength])
	}
	return preview
}

func metaContent(doc *goquery.Document, selector string) string {
	v, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
