package domain

// Agent is a human support operator reachable over a bot channel.
type Agent struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address"`            // chat address on Channel
	Channel  string `json:"channel"`            // channel the agent was registered from
	Username string `json:"username,omitempty"` // optional @username on the network
}

// Ref returns the public view of the agent as shown to visitors.
func (a Agent) Ref() AgentRef {
	return AgentRef{ID: a.ID, Name: a.Name}
}

// AgentRef is the roster entry exposed to the web widget.
type AgentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// IdentityKind distinguishes the two visitor identity scopes, plus the
// legacy connection-scoped form that old markers may still carry.
type IdentityKind string

const (
	// KindSession is ephemeral, per browser tab. Not durable across
	// reconnects.
	KindSession IdentityKind = "session"

	// KindUser is persistent, per browser. The preferred routing identity.
	KindUser IdentityKind = "user"

	// KindConn addresses a raw connection handle. Decoded from legacy
	// markers only, never produced.
	KindConn IdentityKind = "conn"
)

// Identity pairs a kind with its id.
type Identity struct {
	Kind IdentityKind
	ID   string
}
