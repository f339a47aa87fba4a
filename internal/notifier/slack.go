package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/retry"
)

const (
	slackUsername    = "News Agent"
	slackIcon        = ":newspaper:"
	slackMaxAttempts = 4
	slackRetryBase   = time.Second
	slackMaxDelay    = time.Minute
)

// SlackError is a failed Slack Web API call.
type SlackError struct {
	Method     string
	Code       string
	Status     int
	retryAfter time.Duration
}

func (e *SlackError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
	}
	return fmt.Sprintf("slack %s: HTTP %d", e.Method, e.Status)
}

// Temporary reports whether another attempt may succeed.
func (e *SlackError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError || e.Code == "ratelimited"
}

// RetryAfter returns the wait Slack asked for on rate limited calls.
func (e *SlackError) RetryAfter() time.Duration {
	return e.retryAfter
}

// Slack posts Block Kit messages, switching to a file upload for long text.
type Slack struct {
	api       *slack.Client
	token     string
	threshold int
	chunkSize int
	retry     retry.Config
	logger    logger.Logger
	now       func() time.Time
}

// NewSlack creates a Slack poster.
func NewSlack(client *http.Client, cfg config.NotifierConfig, log logger.Logger) *Slack {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	opts := []slack.Option{slack.OptionHTTPClient(client)}
	if cfg.SlackBaseURL != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(cfg.SlackBaseURL, "/")+"/"))
	}
	return &Slack{
		api:       slack.New(cfg.SlackToken, opts...),
		token:     cfg.SlackToken,
		threshold: cfg.PostAsFileThreshold,
		chunkSize: cfg.ChunkSize,
		retry: retry.Config{
			MaxAttempts:  slackMaxAttempts,
			InitialDelay: slackRetryBase,
			MaxDelay:     slackMaxDelay,
			IsRetryable: func(err error) bool {
				var se *SlackError
				return !errors.As(err, &se) || se.Temporary()
			},
		},
		logger: log.With(logger.Component("slack")),
		now:    time.Now,
	}
}

// PostTo implements Poster.
func (s *Slack) PostTo(ctx context.Context, channel, topicName, text string, meta Metadata) (string, error) {
	if s.token == "" {
		return "", fmt.Errorf("%w: slack token", ErrNotConfigured)
	}
	if s.threshold > 0 && runeLen(text) > s.threshold {
		return s.postFile(ctx, channel, topicName, text, meta)
	}
	return s.postBlocks(ctx, channel, topicName, text, meta)
}

func mrkdwn(text string) *slack.SectionBlock {
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

// blocks renders the Block Kit layout: header, metadata, divider, summary
// sections, divider and a generated-at footer.
func (s *Slack) blocks(topicName, text string, meta Metadata) []slack.Block {
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, topicName+" News Summary", false, false)),
	}
	if line := metadataLine(meta, "*", " • "); line != "" {
		blocks = append(blocks, mrkdwn(line))
	}
	blocks = append(blocks, slack.NewDividerBlock())
	for _, chunk := range SplitBlocks(text, s.chunkSize) {
		blocks = append(blocks, mrkdwn(chunk))
	}
	return append(blocks,
		slack.NewDividerBlock(),
		mrkdwn("_Generated at "+s.now().UTC().Format(time.RFC3339)+"_"),
	)
}

func (s *Slack) postBlocks(ctx context.Context, channel, topicName, text string, meta Metadata) (string, error) {
	blocks := s.blocks(topicName, text, meta)
	var ts string
	err := s.call(ctx, "chat.postMessage", func() error {
		var err error
		_, ts, err = s.api.PostMessageContext(ctx, channel,
			slack.MsgOptionBlocks(blocks...),
			slack.MsgOptionText("News summary: "+topicName, false),
			slack.MsgOptionUsername(slackUsername),
			slack.MsgOptionIconEmoji(slackIcon),
		)
		return err
	})
	if err != nil {
		return "", err
	}
	return ts, nil
}

// postFile uploads the summary as markdown through the external upload flow.
func (s *Slack) postFile(ctx context.Context, channel, topicName, text string, meta Metadata) (string, error) {
	content := s.markdown(topicName, text, meta)
	comment := "News summary for *" + topicName + "*"
	if meta.ItemCount > 0 {
		comment += fmt.Sprintf(" (%d items processed)", meta.ItemCount)
	}
	params := slack.UploadFileV2Parameters{
		Channel:        channel,
		Content:        content,
		FileSize:       len(content),
		Filename:       fmt.Sprintf("news-summary-%s-%d.md", slugify(topicName), s.now().UnixMilli()),
		Title:          "News Summary: " + topicName,
		InitialComment: comment,
	}

	var id string
	err := s.call(ctx, "files.uploadV2", func() error {
		file, err := s.api.UploadFileV2Context(ctx, params)
		if err != nil {
			return err
		}
		id = file.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Slack) markdown(topicName, text string, meta Metadata) string {
	var b strings.Builder
	b.WriteString("# " + topicName + " News Summary\n\n")
	if line := metadataLine(meta, "**", "  \n"); line != "" {
		b.WriteString(line + "\n\n---\n\n")
	}
	b.WriteString(text + "\n\n")
	b.WriteString("---\n_Generated at " + s.now().UTC().Format(time.RFC3339) + "_")
	return b.String()
}

// call runs fn under the retry policy, turning SDK failures into
// *SlackError so rate limits and server errors are retried and API errors
// are not.
func (s *Slack) call(ctx context.Context, method string, fn func() error) error {
	return retry.Do(ctx, s.retry, func(attempt int) error {
		if err := fn(); err != nil {
			return classifySlack(method, err)
		}
		if attempt > 1 {
			s.logger.Debug("Slack call succeeded after retry", logger.String("method", method), logger.Int("attempt", attempt))
		}
		return nil
	})
}

func classifySlack(method string, err error) error {
	var limited *slack.RateLimitedError
	if errors.As(err, &limited) {
		return &SlackError{Method: method, Code: "ratelimited", Status: http.StatusTooManyRequests, retryAfter: limited.RetryAfter}
	}
	var status slack.StatusCodeError
	if errors.As(err, &status) {
		return &SlackError{Method: method, Status: status.Code}
	}
	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		return &SlackError{Method: method, Code: apiErr.Err, Status: http.StatusOK}
	}
	return fmt.Errorf("slack %s: %w", method, err)
}

func metadataLine(meta Metadata, bold, sep string) string {
	var parts []string
	if meta.ItemCount > 0 {
		parts = append(parts, fmt.Sprintf("%sItems processed:%s %d", bold, bold, meta.ItemCount))
	}
	if meta.TimeRange != "" {
		parts = append(parts, fmt.Sprintf("%sTime range:%s %s", bold, bold, meta.TimeRange))
	}
	if len(meta.Sources) > 0 {
		parts = append(parts, fmt.Sprintf("%sSources:%s %d", bold, bold, len(meta.Sources)))
	}
	return strings.Join(parts, sep)
}

func slugify(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "-")
}
