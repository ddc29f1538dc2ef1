package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kernsphylis-design/EchoDesk/internal/domain"
	"github.com/kernsphylis-design/EchoDesk/internal/relay"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// Discord connects support agents over Discord. Agents answer visitors by
// replying to relayed messages; the roster is managed with text commands
// (!addsupport, !removesupport, !listsupport, !whoami).
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	bus     domain.MessageBus
	admin   *RosterAdmin
	store   domain.RosterStore
	logger  *slog.Logger
}

// DiscordChannelConfig configures the Discord channel.
type DiscordChannelConfig struct {
	Token     string
	GuildID   string
	Directory *relay.Directory
	Store     domain.RosterStore
	Logger    *slog.Logger
}

func NewDiscord(cfg DiscordChannelConfig) *Discord {
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		admin:   NewRosterAdmin(cfg.Directory, cfg.Store, "discord", cfg.Logger),
		store:   cfg.Store,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord using a bot token and begins listening.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	d.session = session

	bus.OnOutbound("discord", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		d.sendMessage(msg.ConnID, msg.Content)
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		// Ignore bot's own messages.
		if m.Author.ID == s.State.User.ID {
			return
		}
		if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
			return
		}
		d.handleMessage(ctx, m)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) Stop() error {
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

func (d *Discord) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}

	addr := m.ChannelID
	username := m.Author.Username

	if username != "" {
		if err := d.store.RememberUser(ctx, username, addr); err != nil {
			d.logger.Warn("cannot cache discord user", "username", username, "err", err)
		}
	}

	if strings.HasPrefix(text, "!") {
		d.handleCommand(ctx, addr, username, text)
		return
	}

	evt := domain.InboundEvent{
		Type:         domain.EventAgentReply,
		Channel:      "discord",
		AgentAddress: addr,
		Content:      text,
		Timestamp:    time.Now(),
	}
	// Discord replies carry the quoted message, which holds the routing marker.
	if m.ReferencedMessage != nil {
		evt.ReplyToText = m.ReferencedMessage.Content
	}
	d.bus.Publish(evt)
}

func (d *Discord) handleCommand(ctx context.Context, addr, username, text string) {
	cmd, args, _ := strings.Cut(strings.TrimPrefix(text, "!"), " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "help":
		d.sendMessage(addr, "EchoDesk support bot.\n\n"+
			"Agents: reply to a relayed visitor message to answer it, or start a message with \"user:<id>: text\".\n\n"+
			"Commands:\n"+
			"!addsupport <name> [channel_id|@username]\n"+
			"!removesupport <channel_id|@username|me>\n"+
			"!listsupport\n"+
			"!whoami")
	case "listsupport":
		d.sendMessage(addr, d.admin.List())
	case "whoami":
		d.sendMessage(addr, d.admin.Whoami(addr, username))
	case "addsupport":
		name, target := splitNameTarget(args)
		d.sendMessage(addr, d.admin.Add(ctx, name, target, addr, username))
	case "removesupport":
		d.sendMessage(addr, d.admin.Remove(ctx, args, addr))
	default:
		d.sendMessage(addr, "Unknown command. Type !help for available commands.")
	}
}

func (d *Discord) sendMessage(channelID, content string) {
	chunks := splitMessage(content, discordMaxMsgLen)
	for _, chunk := range chunks {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.logger.Error("discord send failed", "channel", channelID, "err", err)
		}
	}
}

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
