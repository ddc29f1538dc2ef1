package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kernsphylis-design/EchoDesk/internal/bus"
	"github.com/kernsphylis-design/EchoDesk/internal/domain"
)

// Visitor- and agent-facing notice strings. All errors here are terminal
// for the triggering event: surfaced once, never retried.
const (
	noticeSelectFirst      = "Please select an agent before sending a message."
	noticeAgentUnavailable = "The selected agent is unavailable."
	noticeDelivered        = "Delivered to the visitor."
	noticeNoMarker         = `Not delivered. Reply directly to a relayed message, or start yours with "user:<id>: text" or "session_<id>: text".`
)

// Router is the conversation relay: it tracks which identity talks to which
// agent, forwards visitor messages out to the bot networks, and routes agent
// replies back by decoded marker. All state it owns (registry, selections,
// history, offline queues) is mutated only from Run's goroutine, one event
// at a time, so none of it is locked.
type Router struct {
	registry  *Registry
	directory *Directory
	history   *History
	queue     *OfflineQueue
	bus       domain.MessageBus
	events    *bus.EventBus
	logger    *slog.Logger

	snippetCount    int
	snippetTruncate int

	// Selection state, kept per identity scope. Overwritten on
	// re-selection, never merged.
	sessionSelections map[string]string
	userSelections    map[string]string

	now func() time.Time
}

// RouterConfig holds the router's collaborators and tuning parameters.
type RouterConfig struct {
	Registry        *Registry
	Directory       *Directory
	History         *History
	Queue           *OfflineQueue
	Bus             domain.MessageBus
	Events          *bus.EventBus
	Logger          *slog.Logger
	SnippetCount    int
	SnippetTruncate int
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.SnippetCount <= 0 {
		cfg.SnippetCount = DefaultSnippetCount
	}
	if cfg.SnippetTruncate <= 0 {
		cfg.SnippetTruncate = DefaultSnippetTruncate
	}
	return &Router{
		registry:          cfg.Registry,
		directory:         cfg.Directory,
		history:           cfg.History,
		queue:             cfg.Queue,
		bus:               cfg.Bus,
		events:            cfg.Events,
		logger:            cfg.Logger,
		snippetCount:      cfg.SnippetCount,
		snippetTruncate:   cfg.SnippetTruncate,
		sessionSelections: make(map[string]string),
		userSelections:    make(map[string]string),
		now:               time.Now,
	}
}

// Run consumes inbound events and processes each to completion before the
// next. A single worker preserves per-connection ordering and makes the
// shared state safe without locks.
func (r *Router) Run(ctx context.Context) {
	r.logger.Info("relay router started")
	inbound := r.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay router stopping")
			return
		case evt, ok := <-inbound:
			if !ok {
				r.logger.Info("inbound channel closed, relay router stopping")
				return
			}
			r.Handle(evt)
		}
	}
}

// Handle processes a single event. Exported so tests can drive the router
// without the loop.
func (r *Router) Handle(evt domain.InboundEvent) {
	switch evt.Type {
	case domain.EventConnect:
		r.handleConnect(evt)
	case domain.EventDisconnect:
		r.handleDisconnect(evt)
	case domain.EventRegisterSession:
		r.handleRegister(evt, domain.KindSession)
	case domain.EventRegisterUser:
		r.handleRegister(evt, domain.KindUser)
	case domain.EventRequestAgents:
		r.sendAgents(evt.Channel, evt.ConnID)
	case domain.EventSelectAgent:
		r.handleSelect(evt)
	case domain.EventVisitorMessage:
		r.handleVisitorMessage(evt)
	case domain.EventAgentReply:
		r.handleAgentReply(evt)
	default:
		r.logger.Warn("unknown event type", "type", evt.Type)
	}
}

func (r *Router) handleConnect(evt domain.InboundEvent) {
	r.registry.TrackConn(evt.ConnID)
	r.sendAgents(evt.Channel, evt.ConnID)
	r.emit(bus.EventConnectionOpened, map[string]any{"conn": evt.ConnID})
}

func (r *Router) handleDisconnect(evt domain.InboundEvent) {
	// Selections, history, and offline queues key on identity and survive
	// the connection.
	r.registry.Unregister(evt.ConnID)
	r.emit(bus.EventConnectionClosed, map[string]any{"conn": evt.ConnID})
}

func (r *Router) handleRegister(evt domain.InboundEvent, kind domain.IdentityKind) {
	if !r.registry.Register(kind, evt.Identity, evt.ConnID) {
		return
	}
	r.logger.Info("identity registered", "kind", kind, "id", evt.Identity, "conn", evt.ConnID)

	// Restore the chat view for a returning visitor: a prior selection is
	// acknowledged immediately, without a new select round-trip.
	var agentID string
	switch kind {
	case domain.KindUser:
		agentID = r.userSelections[evt.Identity]
	case domain.KindSession:
		agentID = r.sessionSelections[evt.Identity]
	}
	if agent, ok := r.directory.Get(agentID); ok {
		r.sendToVisitor(evt.Channel, domain.OutboundMessage{
			ConnID:  evt.ConnID,
			Event:   "agent_selected",
			Content: agent.Name,
		})
	}

	if kind == domain.KindUser {
		r.flushOffline(evt.Channel, evt.Identity)
	}
}

func (r *Router) handleSelect(evt domain.InboundEvent) {
	agent, ok := r.directory.Get(evt.AgentID)
	if !ok {
		r.sendToVisitor(evt.Channel, domain.OutboundMessage{
			ConnID:  evt.ConnID,
			Event:   "error_message",
			Content: noticeAgentUnavailable,
		})
		return
	}

	sid := r.registry.SessionFor(evt.ConnID)
	uid := r.registry.UserFor(evt.ConnID)
	if sid != "" {
		r.sessionSelections[sid] = agent.ID
	}
	if uid != "" {
		r.userSelections[uid] = agent.ID
	}
	r.logger.Info("selection bound", "session", sid, "user", uid, "agent", agent.Name)

	r.sendToVisitor(evt.Channel, domain.OutboundMessage{
		ConnID:  evt.ConnID,
		Event:   "agent_selected",
		Content: agent.Name,
	})
}

func (r *Router) handleVisitorMessage(evt domain.InboundEvent) {
	identity, hasIdentity := r.registry.IdentityFor(evt.ConnID)

	var agentID string
	if hasIdentity {
		// User identity takes precedence for routing; a user-registered
		// visitor routes by their user selection only.
		switch identity.Kind {
		case domain.KindUser:
			agentID = r.userSelections[identity.ID]
		case domain.KindSession:
			agentID = r.sessionSelections[identity.ID]
		}
	}

	agent, ok := r.directory.Get(agentID)
	if !hasIdentity || !ok {
		r.sendToVisitor(evt.Channel, domain.OutboundMessage{
			ConnID:  evt.ConnID,
			Event:   "error_message",
			Content: noticeSelectFirst,
		})
		return
	}

	ts := evt.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}

	// Context is the conversation before this message: the first turn
	// carries no history block.
	snippet := r.history.Snippet(identity, agent.ID, r.snippetCount, r.snippetTruncate)
	r.history.Append(identity, agent.ID, HistoryEntry{
		Direction: DirectionVisitor,
		Speaker:   "visitor",
		Text:      evt.Content,
		Ts:        ts,
	})

	payload := buildAgentPayload(identity, evt.Content, snippet)
	r.bus.SendOutbound(domain.OutboundMessage{
		Channel:   agent.Channel,
		ConnID:    agent.Address,
		Content:   payload,
		Timestamp: ts,
	})
	r.logger.Info("visitor message forwarded",
		"kind", identity.Kind, "id", identity.ID,
		"agent", agent.Name, "channel", agent.Channel,
	)
	r.emit(bus.EventRelayForwarded, map[string]any{"agent": agent.ID})
}

// buildAgentPayload composes the text sent to the agent: the visitor's
// message, the recent-context block when prior turns exist, and the routing
// marker as the final line so reply scanning always finds it.
func buildAgentPayload(id domain.Identity, text, snippet string) string {
	marker := EncodeMarker(id)
	var b strings.Builder
	fmt.Fprintf(&b, "New message from web visitor %s:\n%s\n", marker, text)
	if snippet != "" {
		b.WriteString("\n-- Recent conversation --\n")
		b.WriteString(snippet)
		b.WriteString("\n-- End of recent conversation --\n")
	}
	b.WriteString("\nReply to this message to respond to the visitor.\n")
	b.WriteString(marker)
	return b.String()
}

func (r *Router) handleAgentReply(evt domain.InboundEvent) {
	agent, ok := r.directory.GetByAddress(evt.Channel, evt.AgentAddress)
	if !ok {
		// Not a roster agent; nothing to route.
		r.logger.Debug("message from non-agent address", "channel", evt.Channel, "address", evt.AgentAddress)
		return
	}

	identity, body, ok := r.decodeTarget(evt)
	if !ok {
		r.logger.Info("agent message without marker, not routed", "agent", agent.Name)
		r.ackAgent(agent, noticeNoMarker)
		r.emit(bus.EventRelayDropped, map[string]any{"agent": agent.ID, "reason": "no_marker"})
		return
	}

	ts := evt.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	r.history.Append(identity, agent.ID, HistoryEntry{
		Direction: DirectionAgent,
		Speaker:   agent.Name,
		Text:      body,
		Ts:        ts,
	})

	conn, live := r.resolveConn(identity)
	switch {
	case live:
		r.sendToVisitor("web", domain.OutboundMessage{
			ConnID:    conn,
			Event:     "agent_message",
			Content:   body,
			From:      &domain.AgentRef{ID: agent.ID, Name: agent.Name},
			Timestamp: ts,
		})
		r.logger.Info("agent reply delivered", "agent", agent.Name, "kind", identity.Kind, "id", identity.ID)
		r.ackAgent(agent, noticeDelivered)
		r.emit(bus.EventRelayDelivered, map[string]any{"agent": agent.ID})

	case identity.Kind == domain.KindUser:
		r.queue.Enqueue(identity.ID, QueuedMessage{
			AgentID:   agent.ID,
			AgentName: agent.Name,
			Text:      body,
			Ts:        ts,
		})
		r.logger.Info("agent reply queued", "agent", agent.Name, "user", identity.ID)
		r.ackAgent(agent, fmt.Sprintf(
			"Visitor is offline; the message was queued and will be sent when they return (user:%s).", identity.ID))
		r.emit(bus.EventRelayQueued, map[string]any{"agent": agent.ID, "user": identity.ID})

	default:
		// Session and legacy connection identities have no durable channel.
		r.logger.Info("agent reply dropped, visitor offline", "agent", agent.Name, "kind", identity.Kind, "id", identity.ID)
		r.ackAgent(agent, fmt.Sprintf(
			"Visitor is offline (%s_%s); the message was not delivered.", identity.Kind, identity.ID))
		r.emit(bus.EventRelayDropped, map[string]any{"agent": agent.ID, "reason": "offline"})
	}
}

// decodeTarget resolves the reply target: the marker embedded in the quoted
// reply text wins, then the explicit leading tag on the message itself.
func (r *Router) decodeTarget(evt domain.InboundEvent) (domain.Identity, string, bool) {
	if evt.ReplyToText != "" {
		if id, ok := DecodeMarker(evt.ReplyToText); ok {
			return id, evt.Content, true
		}
	}
	if id, body, ok := DecodePrefix(evt.Content); ok {
		return id, body, true
	}
	return domain.Identity{}, "", false
}

func (r *Router) resolveConn(id domain.Identity) (string, bool) {
	switch id.Kind {
	case domain.KindConn:
		return id.ID, r.registry.ConnAlive(id.ID)
	default:
		return r.registry.Resolve(id.Kind, id.ID)
	}
}

// flushOffline delivers every queued message for the user in FIFO order and
// clears the queue atomically. Delivery is a hand-off to the transport;
// there is no confirmation and no retry.
func (r *Router) flushOffline(channel, userID string) {
	conn, ok := r.registry.Resolve(domain.KindUser, userID)
	if !ok {
		return
	}
	msgs := r.queue.Drain(userID)
	if len(msgs) == 0 {
		return
	}
	for _, m := range msgs {
		r.sendToVisitor(channel, domain.OutboundMessage{
			ConnID:    conn,
			Event:     "agent_message",
			Content:   m.Text,
			From:      &domain.AgentRef{ID: m.AgentID, Name: m.AgentName},
			Timestamp: m.Ts,
		})
	}
	r.logger.Info("offline queue flushed", "user", userID, "messages", len(msgs))
	r.emit(bus.EventRelayFlushed, map[string]any{"user": userID, "messages": len(msgs)})
}

func (r *Router) sendAgents(channel, connID string) {
	r.sendToVisitor(channel, domain.OutboundMessage{
		ConnID: connID,
		Event:  "update_agents",
		Agents: r.directory.List(),
	})
}

func (r *Router) sendToVisitor(channel string, msg domain.OutboundMessage) {
	if channel == "" {
		channel = "web"
	}
	msg.Channel = channel
	r.bus.SendOutbound(msg)
}

func (r *Router) ackAgent(agent domain.Agent, text string) {
	r.bus.SendOutbound(domain.OutboundMessage{
		Channel: agent.Channel,
		ConnID:  agent.Address,
		Content: text,
	})
}

func (r *Router) emit(eventType string, payload map[string]any) {
	if r.events == nil {
		return
	}
	r.events.Emit(bus.Event{Type: eventType, Source: "router", Payload: payload})
}
