package relay

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kernsphylis-design/EchoDesk/internal/domain"
)

var u1 = domain.Identity{Kind: domain.KindUser, ID: "u1"}

func entryAt(text string, min int) HistoryEntry {
	return HistoryEntry{
		Direction: DirectionVisitor,
		Speaker:   "visitor",
		Text:      text,
		Ts:        time.Date(2025, 3, 1, 12, min, 0, 0, time.UTC),
	}
}

func TestHistoryCapEvictsOldest(t *testing.T) {
	h := NewHistory(50)
	for i := 0; i < 51; i++ {
		h.Append(u1, "a1", entryAt(fmt.Sprintf("msg-%d", i), i%60))
	}

	if got := h.Len(u1, "a1"); got != 50 {
		t.Fatalf("len after 51 appends: got %d, want 50", got)
	}
	// The oldest entry (msg-0) is gone; msg-1 is now first.
	snippet := h.Snippet(u1, "a1", 50, 0)
	if strings.Contains(snippet, "msg-0\n") || strings.HasSuffix(snippet, "msg-0") {
		t.Error("msg-0 should have been evicted")
	}
	if !strings.Contains(snippet, "msg-1") {
		t.Error("msg-1 should still be present")
	}
}

func TestSnippetReturnsMostRecentInOrder(t *testing.T) {
	h := NewHistory(50)
	for i := 0; i < 8; i++ {
		h.Append(u1, "a1", entryAt(fmt.Sprintf("turn-%d", i), i))
	}

	snippet := h.Snippet(u1, "a1", 5, 200)
	lines := strings.Split(snippet, "\n")
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d: %q", len(lines), snippet)
	}
	for i, line := range lines {
		want := fmt.Sprintf("turn-%d", i+3)
		if !strings.Contains(line, want) {
			t.Errorf("line %d: got %q, want it to contain %q", i, line, want)
		}
	}
	// Chronological: lines carry the [timestamp] speaker: text shape.
	if !strings.HasPrefix(lines[0], "[2025-03-01 12:03] visitor: ") {
		t.Errorf("line format: got %q", lines[0])
	}
}

func TestSnippetTruncatesLongEntries(t *testing.T) {
	h := NewHistory(50)
	long := strings.Repeat("x", 250)
	h.Append(u1, "a1", entryAt(long, 0))

	snippet := h.Snippet(u1, "a1", 5, 200)
	if !strings.HasSuffix(snippet, "…") {
		t.Errorf("expected ellipsis marker, got %q", snippet[len(snippet)-10:])
	}
	if strings.Contains(snippet, strings.Repeat("x", 201)) {
		t.Error("text was not truncated to 200 characters")
	}
	if !strings.Contains(snippet, strings.Repeat("x", 200)) {
		t.Error("truncated text should keep the first 200 characters")
	}
}

func TestSnippetEmptyWhenNoEntries(t *testing.T) {
	h := NewHistory(50)
	if got := h.Snippet(u1, "a1", 5, 200); got != "" {
		t.Errorf("expected empty snippet, got %q", got)
	}
}

func TestHistoryKeysPairsIndependently(t *testing.T) {
	h := NewHistory(50)
	s1 := domain.Identity{Kind: domain.KindSession, ID: "u1"} // same id, different kind
	h.Append(u1, "a1", entryAt("for user", 0))
	h.Append(s1, "a1", entryAt("for session", 1))
	h.Append(u1, "a2", entryAt("other agent", 2))

	if got := h.Len(u1, "a1"); got != 1 {
		t.Errorf("u1/a1 len: got %d", got)
	}
	if got := h.Len(s1, "a1"); got != 1 {
		t.Errorf("s1/a1 len: got %d", got)
	}
	if !strings.Contains(h.Snippet(u1, "a1", 5, 200), "for user") {
		t.Error("u1/a1 snippet should contain its own entry only")
	}
}

func TestAppendIgnoresEmptyKeys(t *testing.T) {
	h := NewHistory(50)
	h.Append(domain.Identity{Kind: domain.KindUser}, "a1", entryAt("x", 0))
	h.Append(u1, "", entryAt("x", 0))
	if got := h.Len(u1, "a1"); got != 0 {
		t.Errorf("expected no entries, got %d", got)
	}
}
