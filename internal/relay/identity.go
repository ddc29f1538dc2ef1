package relay

import "github.com/kernsphylis-design/EchoDesk/internal/domain"

// Registry is the bidirectional mapping between live connection handles and
// visitor identities. It is owned by the router goroutine and therefore
// unlocked; the run-to-completion event loop is the synchronization.
type Registry struct {
	sessionToConn map[string]string
	userToConn    map[string]string
	connToSession map[string]string
	connToUser    map[string]string
	conns         map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessionToConn: make(map[string]string),
		userToConn:    make(map[string]string),
		connToSession: make(map[string]string),
		connToUser:    make(map[string]string),
		conns:         make(map[string]struct{}),
	}
}

// TrackConn records a live connection handle before any identity is known.
func (r *Registry) TrackConn(connID string) {
	if connID == "" {
		return
	}
	r.conns[connID] = struct{}{}
}

// ConnAlive reports whether the handle belongs to a live connection.
func (r *Registry) ConnAlive(connID string) bool {
	_, ok := r.conns[connID]
	return ok
}

// Register records the identity<->connection mapping in both directions.
// The latest registration for an identity wins; prior mappings for either
// the identity or the connection are replaced. Empty inputs are rejected
// without side effects.
func (r *Registry) Register(kind domain.IdentityKind, id, connID string) bool {
	if id == "" || connID == "" {
		return false
	}
	var forward, reverse map[string]string
	switch kind {
	case domain.KindSession:
		forward, reverse = r.sessionToConn, r.connToSession
	case domain.KindUser:
		forward, reverse = r.userToConn, r.connToUser
	default:
		return false
	}

	// Detach the identity's previous connection and the connection's
	// previous identity so Unregister never tears down a newer mapping.
	if old, ok := forward[id]; ok && old != connID {
		if reverse[old] == id {
			delete(reverse, old)
		}
	}
	if oldID, ok := reverse[connID]; ok && oldID != id {
		delete(forward, oldID)
	}

	forward[id] = connID
	reverse[connID] = id
	r.conns[connID] = struct{}{}
	return true
}

// Resolve returns the live connection for an identity, if any.
func (r *Registry) Resolve(kind domain.IdentityKind, id string) (string, bool) {
	switch kind {
	case domain.KindSession:
		conn, ok := r.sessionToConn[id]
		return conn, ok
	case domain.KindUser:
		conn, ok := r.userToConn[id]
		return conn, ok
	}
	return "", false
}

// SessionFor returns the session identity registered on a connection.
func (r *Registry) SessionFor(connID string) string {
	return r.connToSession[connID]
}

// UserFor returns the user identity registered on a connection.
func (r *Registry) UserFor(connID string) string {
	return r.connToUser[connID]
}

// IdentityFor returns the routing identity for a connection, preferring the
// persistent user identity when both are registered.
func (r *Registry) IdentityFor(connID string) (domain.Identity, bool) {
	if uid, ok := r.connToUser[connID]; ok {
		return domain.Identity{Kind: domain.KindUser, ID: uid}, true
	}
	if sid, ok := r.connToSession[connID]; ok {
		return domain.Identity{Kind: domain.KindSession, ID: sid}, true
	}
	return domain.Identity{}, false
}

// Unregister removes every mapping referencing the connection. Called on
// disconnect; selections, history and queues are untouched since they key
// on identity.
func (r *Registry) Unregister(connID string) {
	if sid, ok := r.connToSession[connID]; ok {
		if r.sessionToConn[sid] == connID {
			delete(r.sessionToConn, sid)
		}
		delete(r.connToSession, connID)
	}
	if uid, ok := r.connToUser[connID]; ok {
		if r.userToConn[uid] == connID {
			delete(r.userToConn, uid)
		}
		delete(r.connToUser, connID)
	}
	delete(r.conns, connID)
}
