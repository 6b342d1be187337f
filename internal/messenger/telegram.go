package messenger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/hitsmaxft/nanoclaw/internal/logging"
)

// statusKey identifies one in-flight batch's status message.
type statusKey struct {
	chatID        string
	correlationID string
}

// TelegramMessenger is the pull-based (long-poll) Messenger adapter.
// Grounded on the telegram-bot-api usage attested across several sibling
// chat-orchestrator manifests (other_examples/manifests) and on
// divinesense's TelegramChannel for the Update->InboundMessage shape.
type TelegramMessenger struct {
	token string

	bot    *tgbotapi.BotAPI
	logger *logging.Logger

	pollIntervalMS int

	mu       sync.Mutex
	statuses map[statusKey]int // chatID/correlationID -> platform message id
}

// NewTelegramMessenger constructs an adapter that has not yet connected.
func NewTelegramMessenger(token string, pollIntervalMS int, logger *logging.Logger) *TelegramMessenger {
	return &TelegramMessenger{
		token:          token,
		pollIntervalMS: pollIntervalMS,
		logger:         logger.WithFields(zap.String("component", "messenger.telegram")),
		statuses:       make(map[statusKey]int),
	}
}

func (t *TelegramMessenger) Connect(ctx context.Context) error {
	if t.token == "" {
		return fmt.Errorf("messenger: telegram bot token is required")
	}
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("messenger: telegram connect: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram connected", zap.String("username", bot.Self.UserName))
	return nil
}

func (t *TelegramMessenger) Send(ctx context.Context, chatID, text string) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		t.logger.WithChat(chatID).WithError(err).Warn("telegram: invalid chat id")
		return
	}
	msg := tgbotapi.NewMessage(id, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.WithChat(chatID).WithError(err).Warn("telegram: send failed")
	}
}

func (t *TelegramMessenger) SendOrUpdateStatus(ctx context.Context, chatID, correlationID, text string, isFirst bool) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		t.logger.WithChat(chatID).WithError(err).Warn("telegram: invalid chat id")
		return
	}

	key := statusKey{chatID: chatID, correlationID: correlationID}
	t.mu.Lock()
	msgID, tracked := t.statuses[key]
	t.mu.Unlock()

	if tracked && !isFirst {
		edit := tgbotapi.NewEditMessageText(id, msgID, text)
		if _, err := t.bot.Send(edit); err != nil {
			// The platform rejected the edit (message too old/deleted):
			// allocate a fresh message and keep going from there.
			t.logger.WithChat(chatID).WithError(err).Debug("telegram: status edit rejected, sending fresh message")
			tracked = false
		} else {
			return
		}
	}

	sent, err := t.bot.Send(tgbotapi.NewMessage(id, text))
	if err != nil {
		t.logger.WithChat(chatID).WithError(err).Warn("telegram: status send failed")
		return
	}
	t.mu.Lock()
	t.statuses[key] = sent.MessageID
	t.mu.Unlock()
}

func (t *TelegramMessenger) ClearStatus(chatID, correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if correlationID == "" {
		for k := range t.statuses {
			if k.chatID == chatID {
				delete(t.statuses, k)
			}
		}
		return
	}
	delete(t.statuses, statusKey{chatID: chatID, correlationID: correlationID})
}

func (t *TelegramMessenger) RegisterCommands(ctx context.Context, commands []Command) error {
	cfg := make([]tgbotapi.BotCommand, 0, len(commands))
	for _, c := range commands {
		cfg = append(cfg, tgbotapi.BotCommand{Command: strings.TrimPrefix(c.Name, "/"), Description: c.Description})
	}
	_, err := t.bot.Request(tgbotapi.NewSetMyCommands(cfg...))
	if err != nil {
		// Best-effort per spec.md §4.2: log and continue.
		t.logger.WithError(err).Warn("telegram: RegisterCommands failed")
	}
	return nil
}

func (t *TelegramMessenger) StartListener(ctx context.Context, cb Callback) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("telegram: listener panic recovered", zap.Any("panic", r))
			}
		}()
		for {
			select {
			case <-ctx.Done():
				t.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				msg := normalizeTelegramUpdate(update)
				if msg != nil {
					cb(*msg)
				}
			}
		}
	}()
	return nil
}

// NeedsPolling is true: telegram's long-poll GetUpdatesChan persists
// inbound events at ingestion, but the router still tails the store for
// recovery/at-least-once per spec.md §4.2.
func (t *TelegramMessenger) NeedsPolling() bool { return true }

func (t *TelegramMessenger) PollInterval() int { return t.pollIntervalMS }

// normalizeTelegramUpdate flattens a tgbotapi.Update into the common
// InboundMessage shape, normalising media messages to a textual
// placeholder plus a caption, and flattening entities to plain text.
func normalizeTelegramUpdate(update tgbotapi.Update) *InboundMessage {
	m := update.Message
	if m == nil {
		return nil
	}

	content := m.Text
	switch {
	case len(m.Photo) > 0:
		content = mediaPlaceholder("image", m.Caption)
	case m.Video != nil:
		content = mediaPlaceholder("video", m.Caption)
	case m.Voice != nil:
		content = mediaPlaceholder("voice", m.Caption)
	case m.Audio != nil:
		content = mediaPlaceholder("audio", m.Caption)
	case m.Document != nil:
		content = mediaPlaceholder("document", m.Caption)
	case m.Sticker != nil:
		content = "<media:sticker>"
	}

	chatType := ChatPrivate
	if m.Chat != nil && m.Chat.Type != "private" {
		chatType = ChatGroup
	}

	senderID, senderName := "", ""
	if m.From != nil {
		senderID = strconv.FormatInt(m.From.ID, 10)
		senderName = m.From.UserName
		if senderName == "" {
			senderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		}
	}

	chatID, chatName := "", ""
	if m.Chat != nil {
		chatID = strconv.FormatInt(m.Chat.ID, 10)
		chatName = m.Chat.Title
		if chatName == "" {
			chatName = senderName
		}
	}

	return &InboundMessage{
		ID:                strconv.Itoa(m.MessageID),
		ChatID:            chatID,
		SenderID:          senderID,
		SenderDisplayName: senderName,
		Content:           strings.TrimSpace(content),
		Timestamp:         time.Unix(int64(m.Date), 0).UTC().Format(time.RFC3339Nano),
		ChatType:          chatType,
		ChatName:          chatName,
	}
}

func mediaPlaceholder(kind, caption string) string {
	if caption == "" {
		return fmt.Sprintf("<media:%s>", kind)
	}
	return fmt.Sprintf("<media:%s> %s", kind, caption)
}
