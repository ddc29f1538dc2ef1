package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kernsphylis-design/EchoDesk/internal/domain"
	"github.com/kernsphylis-design/EchoDesk/internal/relay"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

// Slack connects support agents over Slack using Socket Mode. Agents answer
// visitors by replying in the thread of a relayed message; the roster is
// managed with slash commands.
type Slack struct {
	botToken string
	appToken string
	client   *slack.Client
	socket   *socketmode.Client
	bus      domain.MessageBus
	admin    *RosterAdmin
	store    domain.RosterStore
	logger   *slog.Logger
	botUID   string // the bot's own user ID, to avoid relaying itself
}

// SlackChannelConfig configures the Slack channel.
type SlackChannelConfig struct {
	BotToken  string
	AppToken  string
	Directory *relay.Directory
	Store     domain.RosterStore
	Logger    *slog.Logger
}

func NewSlack(cfg SlackChannelConfig) *Slack {
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		admin:    NewRosterAdmin(cfg.Directory, cfg.Store, "slack", cfg.Logger),
		store:    cfg.Store,
		logger:   cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects to Slack via Socket Mode and begins listening for events.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus

	api := slack.New(
		s.botToken,
		slack.OptionAppLevelToken(s.appToken),
	)
	s.client = api

	authResp, err := api.AuthTest()
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(api)
	s.socket = socketClient

	bus.OnOutbound("slack", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		s.sendMessage(msg.ConnID, msg.Content)
	})

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(ctx, eventsAPIEvent)

			case socketmode.EventTypeSlashCommand:
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleSlashCommand(ctx, cmd)

			default:
				// Acknowledge unknown events to prevent Socket Mode disconnection.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) Stop() error { return nil }

func (s *Slack) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Ignore our own messages and edits.
	if ev.User == s.botUID || ev.User == "" || ev.SubType != "" {
		return
	}

	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}

	if err := s.store.RememberUser(ctx, ev.User, ev.Channel); err != nil {
		s.logger.Warn("cannot cache slack user", "user", ev.User, "err", err)
	}

	evt := domain.InboundEvent{
		Type:         domain.EventAgentReply,
		Channel:      "slack",
		AgentAddress: ev.Channel,
		Content:      text,
		Timestamp:    time.Now(),
	}
	// A threaded reply points at the relayed message, which holds the
	// routing marker.
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		evt.ReplyToText = s.threadParentText(ev.Channel, ev.ThreadTimeStamp)
	}
	s.bus.Publish(evt)
}

// threadParentText fetches the first message of a thread.
func (s *Slack) threadParentText(channelID, threadTS string) string {
	msgs, _, _, err := s.client.GetConversationReplies(&slack.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Limit:     1,
	})
	if err != nil {
		s.logger.Warn("cannot fetch thread parent", "channel", channelID, "ts", threadTS, "err", err)
		return ""
	}
	if len(msgs) == 0 {
		return ""
	}
	return msgs[0].Text
}

func (s *Slack) handleSlashCommand(ctx context.Context, cmd slack.SlashCommand) {
	addr := cmd.ChannelID
	username := cmd.UserName
	args := strings.TrimSpace(cmd.Text)

	s.logger.Info("slack slash command", "command", cmd.Command, "user", cmd.UserID, "channel", addr)

	var reply string
	switch cmd.Command {
	case "/addsupport":
		name, target := splitNameTarget(args)
		reply = s.admin.Add(ctx, name, target, addr, username)
	case "/removesupport":
		reply = s.admin.Remove(ctx, args, addr)
	case "/listsupport":
		reply = s.admin.List()
	case "/whoami":
		reply = s.admin.Whoami(addr, username)
	default:
		reply = "Unknown command."
	}
	s.sendMessage(addr, reply)
}

func (s *Slack) sendMessage(channelID, content string) {
	chunks := splitMessage(content, slackMaxMsgLen)
	for _, chunk := range chunks {
		_, _, err := s.client.PostMessage(
			channelID,
			slack.MsgOptionText(chunk, false),
		)
		if err != nil {
			s.logger.Error("slack send failed", "channel", channelID, "err", err)
		}
	}
}
