package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kernsphylis-design/EchoDesk/internal/domain"
	"github.com/kernsphylis-design/EchoDesk/internal/relay"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram connects support agents over Telegram. Roster agents converse
// with visitors by replying to relayed messages; admins manage the roster
// with bot commands.
type Telegram struct {
	token    string
	adminIDs []int64 // chat ids allowed to manage the roster (empty = allow all)

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	admin  *RosterAdmin
	store  domain.RosterStore
	logger *slog.Logger
}

type TelegramChannelConfig struct {
	Token     string
	AdminIDs  []string // chat ids as strings
	Directory *relay.Directory
	Store     domain.RosterStore
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramChannelConfig) *Telegram {
	var admins []int64
	for _, s := range cfg.AdminIDs {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			admins = append(admins, id)
		}
	}
	return &Telegram{
		token:    cfg.Token,
		adminIDs: admins,
		admin:    NewRosterAdmin(cfg.Directory, cfg.Store, "telegram", cfg.Logger),
		store:    cfg.Store,
		logger:   cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and begins polling for updates.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.OnOutbound("telegram", func(msg domain.OutboundMessage) {
		chatID, err := strconv.ParseInt(msg.ConnID, 10, 64)
		if err != nil {
			t.logger.Error("invalid chat ID for telegram outbound", "chatID", msg.ConnID, "err", err)
			return
		}
		t.sendMessage(chatID, msg.Content)
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

// Stop is a no-op: the bot stops when Start's context is cancelled, and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	chatID := update.Message.Chat.ID
	username := update.Message.From.UserName

	// Remember the sender so admins can later addsupport by @username.
	if username != "" {
		if err := t.store.RememberUser(ctx, username, strconv.FormatInt(chatID, 10)); err != nil {
			t.logger.Warn("cannot cache telegram user", "username", username, "err", err)
		}
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	if update.Message.IsCommand() {
		t.handleCommand(ctx, chatID, update.Message)
		return
	}

	evt := domain.InboundEvent{
		Type:         domain.EventAgentReply,
		Channel:      "telegram",
		AgentAddress: strconv.FormatInt(chatID, 10),
		Content:      text,
		Timestamp:    time.Unix(int64(update.Message.Date), 0),
	}
	if update.Message.ReplyToMessage != nil {
		evt.ReplyToText = update.Message.ReplyToMessage.Text
	}
	t.bus.Publish(evt)
}

func (t *Telegram) handleCommand(ctx context.Context, chatID int64, msg *tgbotapi.Message) {
	addr := strconv.FormatInt(chatID, 10)
	username := msg.From.UserName
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start", "help":
		t.sendMessage(chatID, "EchoDesk support bot.\n\n"+
			"Agents: reply to a relayed visitor message to answer it, or start a message with \"user:<id>: text\".\n\n"+
			"Commands:\n"+
			"/addsupport <name> [chat_id|@username] - add an agent (admins)\n"+
			"/removesupport <chat_id|@username|me> - remove an agent (admins)\n"+
			"/listsupport - show the roster\n"+
			"/whoami - show your address and roster status")
	case "listsupport":
		t.sendMessage(chatID, t.admin.List())
	case "whoami":
		t.sendMessage(chatID, t.admin.Whoami(addr, username))
	case "addsupport":
		if !t.isAdmin(chatID) {
			t.sendMessage(chatID, "Only admins can manage the roster.")
			return
		}
		name, target := splitNameTarget(args)
		t.sendMessage(chatID, t.admin.Add(ctx, name, target, addr, username))
	case "removesupport":
		if !t.isAdmin(chatID) {
			t.sendMessage(chatID, "Only admins can manage the roster.")
			return
		}
		t.sendMessage(chatID, t.admin.Remove(ctx, args, addr))
	default:
		t.sendMessage(chatID, "Unknown command. Type /help for available commands.")
	}
}

// splitNameTarget splits "Jane Doe @jane" into the display name and the
// trailing address argument. The target is the last token when it looks like
// an address (@username or numeric), otherwise everything is the name.
func splitNameTarget(args string) (name, target string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "", ""
	}
	last := fields[len(fields)-1]
	if len(fields) > 1 && (strings.HasPrefix(last, "@") || isNumeric(last)) {
		return strings.Join(fields[:len(fields)-1], " "), last
	}
	return args, ""
}

func isNumeric(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func (t *Telegram) isAdmin(chatID int64) bool {
	if len(t.adminIDs) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.adminIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	// Telegram has a 4096 char limit per message
	const maxLen = telegramMaxMsgLen
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			cutAt := strings.LastIndex(chunk[:maxLen], "\n")
			if cutAt < maxLen/2 {
				cutAt = maxLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}

		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends a single message chunk with retry and rate limit handling.
func (t *Telegram) sendChunk(chatID int64, text string) {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}

		errStr := err.Error()

		// Handle Telegram rate limiting (HTTP 429).
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		// Exponential backoff for other transient errors.
		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
}
