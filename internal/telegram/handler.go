package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/convoy/pkg/channels"
	"github.com/harun/convoy/pkg/confirmation"
)

const callbackPrefix = "cfm:"

const helpText = "Send me a message to talk to the agent.\n\n" +
	"/approve <id> [reason] - approve a pending action\n" +
	"/deny <id> [reason] - deny a pending action\n" +
	"/pending - list actions waiting for you\n" +
	"/reset - start a new conversation"

func callbackData(id string, decision confirmation.Decision) string {
	code := "d"
	if decision == confirmation.DecisionApprove {
		code = "a"
	}
	return callbackPrefix + id + ":" + code
}

// parseCallbackData reverses callbackData.
func parseCallbackData(data string) (string, confirmation.Decision, bool) {
	rest, ok := strings.CutPrefix(data, callbackPrefix)
	if !ok {
		return "", "", false
	}
	id, code, ok := strings.Cut(rest, ":")
	if !ok || id == "" {
		return "", "", false
	}
	switch code {
	case "a":
		return id, confirmation.DecisionApprove, true
	case "d":
		return id, confirmation.DecisionDeny, true
	default:
		return "", "", false
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) error {
	switch {
	case update.CallbackQuery != nil:
		return b.handleCallback(ctx, update)
	case update.Message != nil:
		return b.handleMessage(ctx, update)
	default:
		return nil
	}
}

func (b *Bot) handleMessage(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg.From == nil || msg.Chat == nil {
		return nil
	}
	if !b.isAllowed(msg.From) {
		b.logger.Warn().
			Int64("user_id", msg.From.ID).
			Str("username", msg.From.UserName).
			Msg("Ignoring message from user outside the allowlist")
		return nil
	}

	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return b.reply(chatID, "Only text messages are supported.")
	}

	if msg.Chat.IsGroup() || msg.Chat.IsSuperGroup() {
		if b.opts.GroupRequireMention && !msg.IsCommand() && !b.isMentioned(msg) {
			return nil
		}
		if b.opts.BotUsername != "" {
			text = strings.TrimSpace(strings.ReplaceAll(text, "@"+b.opts.BotUsername, ""))
		}
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "start", "help":
			return b.reply(chatID, helpText)
		}
	}

	// Best effort; a failed typing indicator must not drop the message.
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug().Err(err).Int64("chat_id", chatID).Msg("Failed to send typing action")
	}

	return b.dispatchMessage(ctx, channels.InboundMessage{
		Channel:    Name,
		SessionKey: channels.SessionKey(Name, strconv.FormatInt(chatID, 10)),
		Content:    text,
		MessageID:  strconv.Itoa(update.UpdateID),
		Sender:     senderName(msg.From),
		Metadata: map[string]string{
			"chat_id":    strconv.FormatInt(chatID, 10),
			"user_id":    strconv.FormatInt(msg.From.ID, 10),
			"message_id": strconv.Itoa(msg.MessageID),
		},
	})
}

// handleCallback turns an inline button press into an /approve or /deny
// command for the pressed request.
func (b *Bot) handleCallback(ctx context.Context, update tgbotapi.Update) error {
	cq := update.CallbackQuery
	if cq.From == nil || cq.Message == nil || cq.Message.Chat == nil {
		return nil
	}
	if !b.isAllowed(cq.From) {
		b.answerCallback(cq.ID, "Not authorized")
		return nil
	}

	id, decision, ok := parseCallbackData(cq.Data)
	if !ok {
		b.answerCallback(cq.ID, "Unknown action")
		return nil
	}

	command := confirmation.CommandDeny
	label := "Denied"
	if decision == confirmation.DecisionApprove {
		command = confirmation.CommandApprove
		label = "Approved"
	}
	b.answerCallback(cq.ID, label)

	chatID := cq.Message.Chat.ID
	edit := tgbotapi.NewEditMessageText(chatID, cq.Message.MessageID,
		fmt.Sprintf("%s\n%s by %s", cq.Message.Text, label, senderName(cq.From)))
	if _, err := b.api.Send(edit); err != nil {
		b.logger.Debug().Err(err).Int64("chat_id", chatID).Msg("Failed to update confirmation message")
	}

	return b.dispatchMessage(ctx, channels.InboundMessage{
		Channel:    Name,
		SessionKey: channels.SessionKey(Name, strconv.FormatInt(chatID, 10)),
		Content:    command + " " + id,
		MessageID:  strconv.Itoa(update.UpdateID),
		Sender:     senderName(cq.From),
		Metadata: map[string]string{
			"chat_id":     strconv.FormatInt(chatID, 10),
			"user_id":     strconv.FormatInt(cq.From.ID, 10),
			"callback_id": cq.ID,
		},
	})
}

func (b *Bot) dispatchMessage(ctx context.Context, msg channels.InboundMessage) error {
	b.mu.Lock()
	dispatch := b.dispatch
	b.mu.Unlock()
	if dispatch == nil {
		return fmt.Errorf("telegram bot is not started")
	}
	return dispatch(ctx, msg)
}

func (b *Bot) answerCallback(id, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(id, text)); err != nil {
		b.logger.Debug().Err(err).Msg("Failed to answer callback query")
	}
}

func (b *Bot) reply(chatID int64, text string) error {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (b *Bot) isAllowed(user *tgbotapi.User) bool {
	if len(b.allow) == 0 {
		return true
	}
	if b.allow[strconv.FormatInt(user.ID, 10)] {
		return true
	}
	return user.UserName != "" && b.allow[strings.ToLower(user.UserName)]
}

// isMentioned reports whether msg addresses the bot by @name or replies
// to one of its messages.
func (b *Bot) isMentioned(msg *tgbotapi.Message) bool {
	if b.opts.BotUsername == "" {
		return true
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil &&
		strings.EqualFold(msg.ReplyToMessage.From.UserName, b.opts.BotUsername) {
		return true
	}
	text := strings.ToLower(msg.Text + " " + msg.Caption)
	return strings.Contains(text, "@"+strings.ToLower(b.opts.BotUsername))
}

func senderName(user *tgbotapi.User) string {
	if user.UserName != "" {
		return "@" + user.UserName
	}
	return strconv.FormatInt(user.ID, 10)
}
