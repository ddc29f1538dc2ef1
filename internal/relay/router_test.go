package relay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kernsphylis-design/EchoDesk/internal/domain"
)

// captureBus records outbound messages so tests can drive Router.Handle
// directly and inspect what the router emitted.
type captureBus struct {
	inbound chan domain.InboundEvent

	mu   sync.Mutex
	sent []domain.OutboundMessage
}

func newCaptureBus() *captureBus {
	return &captureBus{inbound: make(chan domain.InboundEvent, 16)}
}

func (c *captureBus) Publish(evt domain.InboundEvent) {
	select {
	case c.inbound <- evt:
	default:
	}
}
func (c *captureBus) Subscribe() <-chan domain.InboundEvent { return c.inbound }
func (c *captureBus) SendOutbound(msg domain.OutboundMessage) {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
}
func (c *captureBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {}
func (c *captureBus) Close()                                                             {}

func (c *captureBus) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

func (c *captureBus) all() []domain.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.OutboundMessage(nil), c.sent...)
}

// lastTo returns the most recent message sent to a channel, filtered by
// event name when given.
func (c *captureBus) lastTo(channel, event string) (domain.OutboundMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		m := c.sent[i]
		if m.Channel == channel && (event == "" || m.Event == event) {
			return m, true
		}
	}
	return domain.OutboundMessage{}, false
}

func (c *captureBus) countTo(channel, event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.sent {
		if m.Channel == channel && (event == "" || m.Event == event) {
			n++
		}
	}
	return n
}

func newTestRouter(t *testing.T) (*Router, *captureBus, *History) {
	t.Helper()
	b := newCaptureBus()
	d := NewDirectory(nil, nil, testLogger())
	if _, err := d.Upsert(context.Background(), domain.Agent{
		ID: "A", Name: "Alpha", Address: "111", Channel: "telegram",
	}); err != nil {
		t.Fatal(err)
	}
	h := NewHistory(50)
	r := NewRouter(RouterConfig{
		Registry:  NewRegistry(),
		Directory: d,
		History:   h,
		Queue:     NewOfflineQueue(),
		Bus:       b,
		Logger:    testLogger(),
	})
	return r, b, h
}

func connect(r *Router, connID string) {
	r.Handle(domain.InboundEvent{Type: domain.EventConnect, Channel: "web", ConnID: connID})
}

func registerUser(r *Router, connID, userID string) {
	r.Handle(domain.InboundEvent{Type: domain.EventRegisterUser, Channel: "web", ConnID: connID, Identity: userID})
}

func agentReply(r *Router, replyTo, text string) {
	r.Handle(domain.InboundEvent{
		Type:         domain.EventAgentReply,
		Channel:      "telegram",
		AgentAddress: "111",
		ReplyToText:  replyTo,
		Content:      text,
	})
}

func TestConnectPushesRosterSnapshot(t *testing.T) {
	r, b, _ := newTestRouter(t)
	connect(r, "c1")

	msg, ok := b.lastTo("web", "update_agents")
	if !ok {
		t.Fatal("no roster snapshot sent on connect")
	}
	if msg.ConnID != "c1" || len(msg.Agents) != 1 || msg.Agents[0].Name != "Alpha" {
		t.Errorf("snapshot: %+v", msg)
	}
}

func TestSelectKnownAgentAcknowledges(t *testing.T) {
	r, b, _ := newTestRouter(t)
	connect(r, "c1")
	registerUser(r, "c1", "u1")

	r.Handle(domain.InboundEvent{Type: domain.EventSelectAgent, Channel: "web", ConnID: "c1", AgentID: "A"})

	msg, ok := b.lastTo("web", "agent_selected")
	if !ok || msg.Content != "Alpha" || msg.ConnID != "c1" {
		t.Errorf("selection ack: %+v, %v", msg, ok)
	}
}

func TestSelectUnknownAgentFailsWithoutStateChange(t *testing.T) {
	r, b, _ := newTestRouter(t)
	connect(r, "c1")
	registerUser(r, "c1", "u1")

	r.Handle(domain.InboundEvent{Type: domain.EventSelectAgent, Channel: "web", ConnID: "c1", AgentID: "ghost"})

	msg, ok := b.lastTo("web", "error_message")
	if !ok || msg.Content != noticeAgentUnavailable {
		t.Fatalf("expected selection error, got %+v", msg)
	}

	// State unchanged: messaging still requires a selection.
	r.Handle(domain.InboundEvent{Type: domain.EventVisitorMessage, Channel: "web", ConnID: "c1", Content: "hi"})
	msg, _ = b.lastTo("web", "error_message")
	if msg.Content != noticeSelectFirst {
		t.Errorf("expected select-first error, got %q", msg.Content)
	}
}

func TestMessageBeforeSelectIsRejected(t *testing.T) {
	r, b, _ := newTestRouter(t)
	connect(r, "c1")
	registerUser(r, "c1", "u1")

	r.Handle(domain.InboundEvent{Type: domain.EventVisitorMessage, Channel: "web", ConnID: "c1", Content: "hello?"})

	if msg, ok := b.lastTo("web", "error_message"); !ok || msg.Content != noticeSelectFirst {
		t.Errorf("expected precondition error, got %+v", msg)
	}
	if n := b.countTo("telegram", ""); n != 0 {
		t.Errorf("nothing should reach the agent channel, got %d sends", n)
	}
}

// Scenario A: first visitor turn carries the user marker and no history
// block.
func TestFirstVisitorMessagePayload(t *testing.T) {
	r, b, _ := newTestRouter(t)
	connect(r, "c1")
	registerUser(r, "c1", "u1")
	r.Handle(domain.InboundEvent{Type: domain.EventSelectAgent, Channel: "web", ConnID: "c1", AgentID: "A"})

	r.Handle(domain.InboundEvent{Type: domain.EventVisitorMessage, Channel: "web", ConnID: "c1", Content: "hello"})

	msg, ok := b.lastTo("telegram", "")
	if !ok {
		t.Fatal("no outbound payload to agent channel")
	}
	if msg.ConnID != "111" {
		t.Errorf("address: got %q", msg.ConnID)
	}
	if !strings.HasSuffix(msg.Content, "(user:u1)") {
		t.Errorf("payload must end with the marker, got %q", msg.Content)
	}
	if !strings.Contains(msg.Content, "hello") {
		t.Errorf("payload misses the visitor text: %q", msg.Content)
	}
	if strings.Contains(msg.Content, "Recent conversation") {
		t.Errorf("first turn must not carry a history block: %q", msg.Content)
	}
}

func TestSecondVisitorMessageCarriesHistoryBlock(t *testing.T) {
	r, b, _ := newTestRouter(t)
	connect(r, "c1")
	registerUser(r, "c1", "u1")
	r.Handle(domain.InboundEvent{Type: domain.EventSelectAgent, Channel: "web", ConnID: "c1", AgentID: "A"})

	r.Handle(domain.InboundEvent{Type: domain.EventVisitorMessage, Channel: "web", ConnID: "c1", Content: "first"})
	r.Handle(domain.InboundEvent{Type: domain.EventVisitorMessage, Channel: "web", ConnID: "c1", Content: "second"})

	msg, _ := b.lastTo("telegram", "")
	if !strings.Contains(msg.Content, "-- Recent conversation --") {
		t.Fatalf("expected history block: %q", msg.Content)
	}
	if !strings.Contains(msg.Content, "visitor: first") {
		t.Errorf("history block should contain the prior turn: %q", msg.Content)
	}
	if !strings.HasSuffix(msg.Content, "(user:u1)") {
		t.Errorf("marker must stay the final line: %q", msg.Content)
	}
}

// Scenario B: a reply to the outbound payload is routed back to the live
// connection and recorded in history.
func TestAgentReplyDeliveredToLiveConnection(t *testing.T) {
	r, b, h := newTestRouter(t)
	connect(r, "c1")
	registerUser(r, "c1", "u1")
	r.Handle(domain.InboundEvent{Type: domain.EventSelectAgent, Channel: "web", ConnID: "c1", AgentID: "A"})
	r.Handle(domain.InboundEvent{Type: domain.EventVisitorMessage, Channel: "web", ConnID: "c1", Content: "hello"})

	outbound, _ := b.lastTo("telegram", "")
	agentReply(r, outbound.Content, "hi there")

	msg, ok := b.lastTo("web", "agent_message")
	if !ok {
		t.Fatal("agent reply not delivered")
	}
	if msg.ConnID != "c1" || msg.Content != "hi there" {
		t.Errorf("delivery: %+v", msg)
	}
	if msg.From == nil || msg.From.ID != "A" || msg.From.Name != "Alpha" {
		t.Errorf("From: %+v", msg.From)
	}

	// Visitor turn plus agent turn.
	if got := h.Len(domain.Identity{Kind: domain.KindUser, ID: "u1"}, "A"); got != 2 {
		t.Errorf("history len: got %d, want 2", got)
	}

	// The agent gets a delivery acknowledgment.
	if ack, ok := b.lastTo("telegram", ""); !ok || ack.Content != noticeDelivered {
		t.Errorf("ack: %+v", ack)
	}
}

func TestAgentReplyMarkerPrecedence(t *testing.T) {
	r, b, _ := newTestRouter(t)
	connect(r, "c1")
	registerUser(r, "c1", "u1")
	r.Handle(domain.InboundEvent{Type: domain.EventRegisterSession, Channel: "web", ConnID: "c1", Identity: "s1"})

	// Reply text with both markers resolves to the user identity.
	agentReply(r, "quoted (session_s1) and (user:u1)", "which one?")

	msg, ok := b.lastTo("web", "agent_message")
	if !ok || msg.ConnID != "c1" {
		t.Fatalf("delivery: %+v, %v", msg, ok)
	}
}

func TestAgentPrefixMessageRoutes(t *testing.T) {
	r, b, _ := newTestRouter(t)
	connect(r, "c1")
	registerUser(r, "c1", "u1")

	agentReply(r, "", "user:u1: direct hello")

	msg, ok := b.lastTo("web", "agent_message")
	if !ok || msg.Content != "direct hello" {
		t.Errorf("prefix routing: %+v, %v", msg, ok)
	}
}

func TestAgentMessageWithoutMarkerIsDroppedWithHint(t *testing.T) {
	r, b, _ := newTestRouter(t)
	connect(r, "c1")
	registerUser(r, "c1", "u1")

	agentReply(r, "", "just some text")

	if n := b.countTo("web", "agent_message"); n != 0 {
		t.Errorf("unroutable message must not reach a visitor, got %d", n)
	}
	if ack, ok := b.lastTo("telegram", ""); !ok || ack.Content != noticeNoMarker {
		t.Errorf("expected corrective hint, got %+v", ack)
	}
}

func TestMessageFromUnknownAddressIsIgnored(t *testing.T) {
	r, b, _ := newTestRouter(t)
	r.Handle(domain.InboundEvent{
		Type:         domain.EventAgentReply,
		Channel:      "telegram",
		AgentAddress: "999",
		Content:      "user:u1: hi",
	})
	if len(b.all()) != 0 {
		t.Errorf("non-roster sender should be ignored, got %d sends", len(b.all()))
	}
}

// Scenario C: re-registering a persistent identity restores the selection
// acknowledgment without a new select call.
func TestReconnectRestoresSelection(t *testing.T) {
	r, b, _ := newTestRouter(t)
	connect(r, "c1")
	registerUser(r, "c1", "u1")
	r.Handle(domain.InboundEvent{Type: domain.EventSelectAgent, Channel: "web", ConnID: "c1", AgentID: "A"})

	r.Handle(domain.InboundEvent{Type: domain.EventDisconnect, Channel: "web", ConnID: "c1"})
	connect(r, "c2")
	b.reset()
	registerUser(r, "c2", "u1")

	msg, ok := b.lastTo("web", "agent_selected")
	if !ok || msg.ConnID != "c2" || msg.Content != "Alpha" {
		t.Errorf("selection not restored: %+v, %v", msg, ok)
	}
}

// Scenarios D and E: offline replies are queued for persistent identities
// and flushed exactly once on reconnect.
func TestOfflineReplyQueuedThenFlushedOnce(t *testing.T) {
	r, b, _ := newTestRouter(t)
	connect(r, "c1")
	registerUser(r, "c1", "u1")
	r.Handle(domain.InboundEvent{Type: domain.EventSelectAgent, Channel: "web", ConnID: "c1", AgentID: "A"})
	r.Handle(domain.InboundEvent{Type: domain.EventVisitorMessage, Channel: "web", ConnID: "c1", Content: "hello"})
	outbound, _ := b.lastTo("telegram", "")

	// Visitor drops; two replies arrive while offline.
	r.Handle(domain.InboundEvent{Type: domain.EventDisconnect, Channel: "web", ConnID: "c1"})
	b.reset()
	agentReply(r, outbound.Content, "are you there?")
	agentReply(r, outbound.Content, "ping again")

	if n := b.countTo("web", "agent_message"); n != 0 {
		t.Fatalf("no web delivery expected while offline, got %d", n)
	}
	ack, _ := b.lastTo("telegram", "")
	if !strings.Contains(ack.Content, "queued") {
		t.Errorf("agent should get a queued ack, got %q", ack.Content)
	}

	// Reconnect: both messages arrive in order, exactly once.
	connect(r, "c2")
	b.reset()
	registerUser(r, "c2", "u1")

	var delivered []string
	for _, m := range b.all() {
		if m.Channel == "web" && m.Event == "agent_message" {
			delivered = append(delivered, m.Content)
			if m.ConnID != "c2" {
				t.Errorf("delivered to wrong conn: %q", m.ConnID)
			}
		}
	}
	if len(delivered) != 2 || delivered[0] != "are you there?" || delivered[1] != "ping again" {
		t.Fatalf("flush order: %v", delivered)
	}

	// A second registration flushes nothing.
	b.reset()
	registerUser(r, "c2", "u1")
	if n := b.countTo("web", "agent_message"); n != 0 {
		t.Errorf("queue replayed on second flush: %d messages", n)
	}
}

func TestSessionOnlyOfflineReplyIsDropped(t *testing.T) {
	r, b, h := newTestRouter(t)
	connect(r, "c1")
	r.Handle(domain.InboundEvent{Type: domain.EventRegisterSession, Channel: "web", ConnID: "c1", Identity: "s1"})
	r.Handle(domain.InboundEvent{Type: domain.EventSelectAgent, Channel: "web", ConnID: "c1", AgentID: "A"})
	r.Handle(domain.InboundEvent{Type: domain.EventVisitorMessage, Channel: "web", ConnID: "c1", Content: "hi"})
	outbound, _ := b.lastTo("telegram", "")

	r.Handle(domain.InboundEvent{Type: domain.EventDisconnect, Channel: "web", ConnID: "c1"})
	b.reset()
	agentReply(r, outbound.Content, "too late")

	if n := b.countTo("web", "agent_message"); n != 0 {
		t.Errorf("session reply must not be delivered offline, got %d", n)
	}
	ack, _ := b.lastTo("telegram", "")
	if !strings.Contains(ack.Content, "offline") || strings.Contains(ack.Content, "queued") {
		t.Errorf("expected offline-dropped ack, got %q", ack.Content)
	}
	// The agent turn is still recorded in history.
	if got := h.Len(domain.Identity{Kind: domain.KindSession, ID: "s1"}, "A"); got != 2 {
		t.Errorf("history len: got %d, want 2", got)
	}
}

func TestRouterRunConsumesFromBus(t *testing.T) {
	b := newCaptureBus()
	d := NewDirectory(nil, nil, testLogger())
	d.Upsert(context.Background(), domain.Agent{ID: "A", Name: "Alpha", Address: "111", Channel: "telegram"})
	r := NewRouter(RouterConfig{
		Registry:  NewRegistry(),
		Directory: d,
		History:   NewHistory(50),
		Queue:     NewOfflineQueue(),
		Bus:       b,
		Logger:    testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	b.Publish(domain.InboundEvent{Type: domain.EventConnect, Channel: "web", ConnID: "c1"})

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := b.lastTo("web", "update_agents"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("router did not process the connect event")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("router did not stop on cancel")
	}
}
