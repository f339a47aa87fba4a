// Package summarizer turns a run's items into a digest through the
// Anthropic Messages API.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 2048
	sdkMaxRetries    = 2
)

var (
	// ErrUnknownAssistant is returned when the reference names no configured assistant.
	ErrUnknownAssistant = errors.New("unknown summarizer assistant")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("summarizer returned no text")
)

// Request is one summarization call.
type Request struct {
	TopicName    string
	Items        []domain.FetchedItem
	AssistantRef string
}

// Summary is the generated digest and the exact prompt sent.
type Summary struct {
	Text   string
	Prompt string
}

// Summarizer is the port the processor calls.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (*Summary, error)
}

// Client implements Summarizer with the Anthropic SDK.
type Client struct {
	client anthropic.Client
	cfg    config.SummarizerConfig
	logger logger.Logger
}

// New creates a Client. httpClient may be nil.
func New(cfg config.SummarizerConfig, httpClient *http.Client, log logger.Logger) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(sdkMaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &Client{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: log.With(logger.Component("summarizer")),
	}
}

// Summarize builds the prompt and asks the referenced assistant for a
// digest. The whole call, SDK retries included, is bounded by the
// configured timeout; cancelling ctx aborts the in-flight request.
func (c *Client) Summarize(ctx context.Context, req Request) (*Summary, error) {
	assistant, ok := c.cfg.Assistants[req.AssistantRef]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAssistant, req.AssistantRef)
	}

	items := Limit(req.Items, c.cfg.MaxItems, c.cfg.MaxCharsPerItem)
	if len(items) == 0 {
		return &Summary{Text: "No items to process"}, nil
	}
	prompt := BuildPrompt(items)

	model := assistant.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := assistant.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	}
	if assistant.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: assistant.SystemPrompt}}
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("summarize %s: %w", req.TopicName, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, ErrEmptyResponse
	}

	c.logger.Info("Summary generated",
		logger.String("topic", req.TopicName),
		logger.String("assistant", req.AssistantRef),
		logger.Int("items", len(items)),
		logger.Duration("duration", time.Since(start)),
	)
	return &Summary{Text: text.String(), Prompt: prompt}, nil
}
