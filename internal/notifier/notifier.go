// Package notifier posts run summaries to Slack channels and Telegram chats.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

// Target kinds.
const (
	KindSlack    = "slack"
	KindTelegram = "telegram"
)

var (
	// ErrInvalidTarget is returned for a channel string no poster understands.
	ErrInvalidTarget = errors.New("invalid notification target")
	// ErrNotConfigured is returned when a target's poster has no credentials.
	ErrNotConfigured = errors.New("notifier not configured")
)

// Metadata describes the run a summary came from.
type Metadata struct {
	ItemCount int      `json:"itemCount"`
	TimeRange string   `json:"timeRange,omitempty"`
	Sources   []string `json:"sources,omitempty"`
}

// PostResult identifies the last message posted.
type PostResult struct {
	MessageID string `json:"messageId,omitempty"`
}

// Notifier is the port the processor calls.
type Notifier interface {
	Post(ctx context.Context, topicName, text string, channels []string, meta Metadata) (*PostResult, error)
}

// Target is a parsed channel string.
type Target struct {
	Kind    string
	Address string
}

// ParseTarget understands "slack:#name", "#name", a bare Slack channel and
// "telegram:<chat id>". Slack names lose their leading '#'.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	kind, rest, found := strings.Cut(s, ":")
	if !found {
		kind, rest = KindSlack, s
	}

	switch kind {
	case KindSlack:
		name := strings.TrimPrefix(strings.TrimSpace(rest), "#")
		if name == "" {
			return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
		}
		return Target{Kind: KindSlack, Address: name}, nil
	case KindTelegram:
		chat := strings.TrimSpace(rest)
		if _, err := strconv.ParseInt(chat, 10, 64); err != nil {
			return Target{}, fmt.Errorf("%w: telegram chat id %q", ErrInvalidTarget, chat)
		}
		return Target{Kind: KindTelegram, Address: chat}, nil
	default:
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
	}
}

// Poster delivers to one kind of target.
type Poster interface {
	PostTo(ctx context.Context, address, topicName, text string, meta Metadata) (string, error)
}

// Router dispatches each channel to the poster for its kind.
type Router struct {
	posters map[string]Poster
	logger  logger.Logger
}

// NewRouter creates a Router. Nil posters are skipped.
func NewRouter(log logger.Logger, slack, telegram Poster) *Router {
	r := &Router{posters: map[string]Poster{}, logger: log.With(logger.Component("notifier"))}
	if slack != nil {
		r.posters[KindSlack] = slack
	}
	if telegram != nil {
		r.posters[KindTelegram] = telegram
	}
	return r
}

// Post sends text to every channel in order and stops at the first failure.
func (r *Router) Post(ctx context.Context, topicName, text string, channels []string, meta Metadata) (*PostResult, error) {
	result := &PostResult{}
	for _, ch := range channels {
		target, err := ParseTarget(ch)
		if err != nil {
			return result, err
		}
		poster, ok := r.posters[target.Kind]
		if !ok {
			return result, fmt.Errorf("%w: %s", ErrNotConfigured, target.Kind)
		}

		id, err := poster.PostTo(ctx, target.Address, topicName, text, meta)
		if err != nil {
			return result, fmt.Errorf("post to %s: %w", ch, err)
		}
		result.MessageID = id
		r.logger.Info("Summary posted",
			logger.String("target", ch),
			logger.String("message_id", id),
			logger.Int("chars", len([]rune(text))),
		)
	}
	return result, nil
}
