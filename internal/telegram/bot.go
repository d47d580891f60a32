// Package telegram runs the Telegram channel: long-polled updates in,
// chunked text replies and inline confirmation prompts out.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/convoy/pkg/channels"
	"github.com/harun/convoy/pkg/confirmation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Name is the channel name used in session keys ("telegram:<chat id>").
const Name = "telegram"

// maxMessageLength is Telegram's limit for a single text message.
const maxMessageLength = 4096

// API is the subset of *tgbotapi.BotAPI the channel uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Options configures the channel.
type Options struct {
	// BotUsername is used to detect mentions in group chats.
	BotUsername string
	// AllowFrom lists user ids or usernames allowed to talk to the bot.
	// Empty allows everyone.
	AllowFrom []string
	// PollTimeout is the long-poll timeout in seconds (default 60).
	PollTimeout int
	// GroupRequireMention ignores group messages that do not mention the bot.
	GroupRequireMention bool
}

// Bot is the Telegram channel. It implements channels.Channel and
// confirmation.Forwarder.
type Bot struct {
	api    API
	opts   Options
	allow  map[string]bool
	logger zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	dispatch channels.DispatchFunc
}

var (
	_ channels.Channel       = (*Bot)(nil)
	_ confirmation.Forwarder = (*Bot)(nil)
)

// New authenticates token against the Bot API and wraps the client.
func New(token string, opts Options) (*Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	if opts.BotUsername == "" {
		opts.BotUsername = api.Self.UserName
	}

	log.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return NewWithAPI(api, opts), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, opts Options) *Bot {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 60
	}
	allow := make(map[string]bool, len(opts.AllowFrom))
	for _, entry := range opts.AllowFrom {
		entry = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(entry), "@"))
		if entry != "" {
			allow[entry] = true
		}
	}
	return &Bot{
		api:    api,
		opts:   opts,
		allow:  allow,
		logger: log.With().Str("component", "telegram").Logger(),
	}
}

func (b *Bot) Name() string { return Name }

// Start begins long polling in the background.
func (b *Bot) Start(ctx context.Context, dispatch channels.DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return fmt.Errorf("telegram bot is already running")
	}
	if len(b.allow) == 0 {
		b.logger.Warn().Msg("Telegram allowlist is empty, accepting messages from everyone")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.opts.PollTimeout
	updates := b.api.GetUpdatesChan(u)

	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	b.dispatch = dispatch
	go b.processUpdates(ctx, updates, b.done)

	b.logger.Info().Msg("Telegram bot started")
	return nil
}

// Stop ends polling and waits for the update loop to exit.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	b.api.StopReceivingUpdates()

	select {
	case <-done:
		b.logger.Info().Msg("Telegram bot stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bot) processUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := b.handleUpdate(ctx, update); err != nil {
				b.logger.Error().
					Err(err).
					Int("update_id", update.UpdateID).
					Msg("Failed to handle update")
			}
		}
	}
}

// Send delivers msg to the chat named by its session key, split into
// chunks Telegram accepts.
func (b *Bot) Send(_ context.Context, msg channels.OutboundMessage) error {
	chatID, err := chatIDFromKey(msg.SessionKey)
	if err != nil {
		return err
	}

	text := msg.Content
	if msg.IsError && !strings.HasPrefix(text, "⚠") {
		text = "⚠️ " + text
	}
	for _, chunk := range splitMessage(text, maxMessageLength) {
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}

	b.logger.Debug().Int64("chat_id", chatID).Msg("Message sent")
	return nil
}

// ForwardConfirmation posts req with Approve and Deny buttons.
func (b *Bot) ForwardConfirmation(_ context.Context, req confirmation.Request) error {
	chatID, err := chatIDFromKey(req.SessionKey)
	if err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, "Confirmation required\n"+confirmation.FormatRequest(req))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", callbackData(req.ID, confirmation.DecisionApprove)),
			tgbotapi.NewInlineKeyboardButtonData("Deny", callbackData(req.ID, confirmation.DecisionDeny)),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send confirmation: %w", err)
	}
	return nil
}

func chatIDFromKey(key string) (int64, error) {
	channel, id, ok := channels.ParseSessionKey(key)
	if !ok || channel != Name {
		return 0, fmt.Errorf("not a telegram session key: %q", key)
	}
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", id, err)
	}
	return chatID, nil
}

// splitMessage cuts text into pieces of at most limit runes, preferring
// line breaks.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
