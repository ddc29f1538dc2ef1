package domain

import "time"

// EventType identifies the kind of inbound event carried on the bus.
type EventType string

const (
	// Visitor-side events (published by the web channel).
	EventConnect         EventType = "connect"
	EventDisconnect      EventType = "disconnect"
	EventRegisterSession EventType = "register_session"
	EventRegisterUser    EventType = "register_user"
	EventRequestAgents   EventType = "request_agents"
	EventSelectAgent     EventType = "select_agent"
	EventVisitorMessage  EventType = "visitor_message"

	// Agent-side events (published by the bot channels).
	EventAgentReply EventType = "agent_reply"
)

// InboundEvent is a single unit of work for the relay router. Exactly one
// producer goroutine per channel publishes these; the router consumes them
// sequentially.
type InboundEvent struct {
	Type    EventType
	Channel string // originating channel name ("web", "telegram", ...)

	// ConnID is the opaque visitor connection handle. Set on all
	// visitor-side events.
	ConnID string

	// Identity carries the session or user id for register events.
	Identity string

	// AgentID is the roster id for select_agent.
	AgentID string

	// AgentAddress is the sender's address on Channel for agent_reply.
	AgentAddress string

	// ReplyToText is the quoted text when an agent replied to a prior
	// outbound payload; empty for freestanding messages.
	ReplyToText string

	Content   string
	Timestamp time.Time
}

// OutboundMessage is addressed to a single channel. For the web channel,
// ConnID is the connection handle (empty = broadcast) and Event selects the
// wire frame type. For bot channels, ConnID is the chat address and Content
// is sent as plain text.
type OutboundMessage struct {
	Channel string
	ConnID  string
	Event   string
	Content string

	// Agents is the roster snapshot for update_agents frames.
	Agents []AgentRef

	// From identifies the agent for agent_message frames.
	From *AgentRef

	Timestamp time.Time
}
