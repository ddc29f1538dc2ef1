package relay

import (
	"testing"

	"github.com/kernsphylis-design/EchoDesk/internal/domain"
)

func TestEncodeMarker(t *testing.T) {
	if got := EncodeMarker(domain.Identity{Kind: domain.KindUser, ID: "u1"}); got != "(user:u1)" {
		t.Errorf("user marker: got %q", got)
	}
	if got := EncodeMarker(domain.Identity{Kind: domain.KindSession, ID: "s-42"}); got != "(session_s-42)" {
		t.Errorf("session marker: got %q", got)
	}
	// The legacy form is decode-only.
	if got := EncodeMarker(domain.Identity{Kind: domain.KindConn, ID: "c1"}); got != "" {
		t.Errorf("conn marker should not encode, got %q", got)
	}
}

func TestDecodeMarker(t *testing.T) {
	tests := []struct {
		name string
		text string
		want domain.Identity
		ok   bool
	}{
		{"user", "hello\n(user:u1)", domain.Identity{Kind: domain.KindUser, ID: "u1"}, true},
		{"session", "hello (session_abc-123)", domain.Identity{Kind: domain.KindSession, ID: "abc-123"}, true},
		{"legacy socket", "old message (socket_xyz)", domain.Identity{Kind: domain.KindConn, ID: "xyz"}, true},
		{"none", "no marker here", domain.Identity{}, false},
		{"user beats session", "(session_s1) then (user:u1)", domain.Identity{Kind: domain.KindUser, ID: "u1"}, true},
		{"session beats socket", "(socket_c1) (session_s1)", domain.Identity{Kind: domain.KindSession, ID: "s1"}, true},
		{"user beats both", "(socket_c1) (session_s1) (user:u1)", domain.Identity{Kind: domain.KindUser, ID: "u1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeMarker(tt.text)
			if ok != tt.ok {
				t.Fatalf("ok: got %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodePrefix(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		want     domain.Identity
		wantBody string
		ok       bool
	}{
		{"user", "user:u1: hello there", domain.Identity{Kind: domain.KindUser, ID: "u1"}, "hello there", true},
		{"user fullwidth colon", "user:u1： hi", domain.Identity{Kind: domain.KindUser, ID: "u1"}, "hi", true},
		{"session", "session_s-9: welcome back", domain.Identity{Kind: domain.KindSession, ID: "s-9"}, "welcome back", true},
		{"legacy socket", "socket_c7: ping", domain.Identity{Kind: domain.KindConn, ID: "c7"}, "ping", true},
		{"leading whitespace", "  user:u2: ok", domain.Identity{Kind: domain.KindUser, ID: "u2"}, "ok", true},
		{"multiline body", "user:u1: line one\nline two", domain.Identity{Kind: domain.KindUser, ID: "u1"}, "line one\nline two", true},
		{"plain text", "just a message", domain.Identity{}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, body, ok := DecodePrefix(tt.text)
			if ok != tt.ok {
				t.Fatalf("ok: got %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("identity: got %+v, want %+v", got, tt.want)
			}
			if body != tt.wantBody {
				t.Errorf("body: got %q, want %q", body, tt.wantBody)
			}
		})
	}
}
