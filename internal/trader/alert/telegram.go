package alert

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends plain-text messages to a single chat. The bot client is
// created on first use, so an unreachable Bot API never blocks startup.
type Telegram struct {
	token    string
	endpoint string
	client   *http.Client
	chatID   int64
	prefix   string

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegram prepares a client for the Bot API at endpoint, a format string
// like tgbotapi.APIEndpoint; empty means the public API. Only the chat ID is
// validated here; the token is checked by the first Send.
func NewTelegram(botToken, chatID, prefix, endpoint string, timeout time.Duration) (*Telegram, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Telegram{
		token:    botToken,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		chatID:   id,
		prefix:   prefix,
	}, nil
}

// botAPI returns the bot client, creating it (a getMe round trip) if needed.
// A failed attempt is retried by the next Send.
func (t *Telegram) botAPI() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	t.bot = bot
	return bot, nil
}

// Send delivers text. The bot client has no context support, so ctx only
// short-circuits an already expired deadline; the HTTP client timeout bounds the call.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := t.botAPI()
	if err != nil {
		return err
	}
	if t.prefix != "" {
		text = t.prefix + " " + text
	}
	if _, err := bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
