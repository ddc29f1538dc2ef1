package relay

import (
	"regexp"

	"github.com/kernsphylis-design/EchoDesk/internal/domain"
)

// The bot networks carry no structured back-reference from an agent reply to
// the visitor it concerns, so every outbound payload ends with a textual
// marker and replies are routed by scanning for it. Marker syntax is a wire
// contract: `(user:<id>)` and `(session_<id>)` are produced, the old
// `(socket_<id>)` form is decoded for messages still in flight but never
// produced. Precedence is always user, then session, then socket, even when
// a malformed text contains several markers.

var (
	userMarkerRe    = regexp.MustCompile(`\(user:([^)]+)\)`)
	sessionMarkerRe = regexp.MustCompile(`\(session_([\w-]+)\)`)
	connMarkerRe    = regexp.MustCompile(`\(socket_([\w-]+)\)`)

	// Prefix forms let an agent compose a new message instead of replying:
	// "user:<id>: body". The separator colon may be ASCII or fullwidth.
	userPrefixRe    = regexp.MustCompile(`(?s)^\s*user:([^\s:]+)\s*[:：]\s*(.*)$`)
	sessionPrefixRe = regexp.MustCompile(`(?s)^\s*session_([\w-]+)\s*[:：]\s*(.*)$`)
	connPrefixRe    = regexp.MustCompile(`(?s)^\s*socket_([\w-]+)\s*[:：]\s*(.*)$`)
)

// EncodeMarker renders the routing tag for an identity. User identities are
// preferred by callers; the legacy conn form is never encoded.
func EncodeMarker(id domain.Identity) string {
	switch id.Kind {
	case domain.KindUser:
		return "(user:" + id.ID + ")"
	case domain.KindSession:
		return "(session_" + id.ID + ")"
	default:
		return ""
	}
}

// DecodeMarker scans text for an embedded identity marker, honoring
// user > session > socket precedence.
func DecodeMarker(text string) (domain.Identity, bool) {
	if m := userMarkerRe.FindStringSubmatch(text); m != nil {
		return domain.Identity{Kind: domain.KindUser, ID: m[1]}, true
	}
	if m := sessionMarkerRe.FindStringSubmatch(text); m != nil {
		return domain.Identity{Kind: domain.KindSession, ID: m[1]}, true
	}
	if m := connMarkerRe.FindStringSubmatch(text); m != nil {
		return domain.Identity{Kind: domain.KindConn, ID: m[1]}, true
	}
	return domain.Identity{}, false
}

// DecodePrefix parses the explicit leading-tag form and returns the identity
// plus the message body. Same precedence as DecodeMarker.
func DecodePrefix(text string) (domain.Identity, string, bool) {
	if m := userPrefixRe.FindStringSubmatch(text); m != nil {
		return domain.Identity{Kind: domain.KindUser, ID: m[1]}, m[2], true
	}
	if m := sessionPrefixRe.FindStringSubmatch(text); m != nil {
		return domain.Identity{Kind: domain.KindSession, ID: m[1]}, m[2], true
	}
	if m := connPrefixRe.FindStringSubmatch(text); m != nil {
		return domain.Identity{Kind: domain.KindConn, ID: m[1]}, m[2], true
	}
	return domain.Identity{}, "", false
}
