package notifier

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

// TelegramMessageLimit is the Bot API cap on one message's text length.
const TelegramMessageLimit = 4096

// Telegram sends HTML-formatted messages through the Bot API.
type Telegram struct {
	token    string
	endpoint string
	client   *http.Client
	logger   logger.Logger

	// The bot client calls getMe on creation, so it is built on first use.
	mu  sync.Mutex
	api *tgbotapi.BotAPI
}

// NewTelegram creates a Telegram poster. client may be nil.
func NewTelegram(client *http.Client, cfg config.NotifierConfig, log logger.Logger) *Telegram {
	if client == nil {
		client = &http.Client{}
	}
	endpoint := cfg.TelegramEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &Telegram{
		token:    cfg.TelegramToken,
		endpoint: endpoint,
		client:   client,
		logger:   log.With(logger.Component("telegram")),
	}
}

func (t *Telegram) bot() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.api != nil {
		return t.api, nil
	}
	if t.token == "" {
		return nil, fmt.Errorf("%w: telegram token", ErrNotConfigured)
	}
	api, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	t.api = api
	return api, nil
}

// PostTo implements Poster. The summary is escaped and split so every
// message fits the Bot API limit; the id of the last message is returned.
func (t *Telegram) PostTo(ctx context.Context, chat, topicName, text string, meta Metadata) (string, error) {
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: telegram chat id %q", ErrInvalidTarget, chat)
	}
	api, err := t.bot()
	if err != nil {
		return "", err
	}

	header := "<b>" + html.EscapeString(topicName+" News Summary") + "</b>\n"
	if line := metadataLine(meta, "", " | "); line != "" {
		header += "<i>" + html.EscapeString(line) + "</i>\n"
	}
	header += "\n"

	var last string
	for i, chunk := range SplitEscaped(text, TelegramMessageLimit-len(header)) {
		if ctx.Err() != nil {
			return last, ctx.Err()
		}
		body := chunk
		if i == 0 {
			body = header + chunk
		}
		msg := tgbotapi.NewMessage(chatID, body)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true

		sent, sendErr := api.Send(msg)
		if sendErr != nil {
			return last, fmt.Errorf("telegram send: %w", sendErr)
		}
		last = strconv.Itoa(sent.MessageID)
	}
	return last, nil
}

// SplitEscaped HTML-escapes text and splits it into pieces of at most
// limit bytes without cutting an escape sequence or a rune.
func SplitEscaped(text string, limit int) []string {
	var (
		chunks []string
		b      strings.Builder
	)
	for _, r := range text {
		piece := html.EscapeString(string(r))
		if b.Len()+len(piece) > limit && b.Len() > 0 {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		b.WriteString(piece)
	}
	if b.Len() > 0 || len(chunks) == 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
