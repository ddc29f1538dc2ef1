package relay

import (
	"strings"
	"time"

	"github.com/kernsphylis-design/EchoDesk/internal/domain"
)

const (
	// DefaultHistoryLimit bounds each (identity, agent) log.
	DefaultHistoryLimit = 50

	// DefaultSnippetCount and DefaultSnippetTruncate shape the context
	// block injected into outbound agent payloads.
	DefaultSnippetCount    = 5
	DefaultSnippetTruncate = 200
)

// Direction marks who spoke a history entry.
type Direction string

const (
	DirectionVisitor Direction = "visitor"
	DirectionAgent   Direction = "agent"
)

// HistoryEntry is one turn of a conversation.
type HistoryEntry struct {
	Direction Direction
	Speaker   string
	Text      string
	Ts        time.Time
}

// History keeps a bounded append-only log per (identity, agent) pair for
// the process lifetime. Owned by the router goroutine; no locking.
type History struct {
	limit int
	logs  map[string][]HistoryEntry
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &History{
		limit: limit,
		logs:  make(map[string][]HistoryEntry),
	}
}

func historyKey(id domain.Identity, agentID string) string {
	if id.ID == "" || agentID == "" {
		return ""
	}
	return string(id.Kind) + ":" + id.ID + "::" + agentID
}

// Append pushes an entry onto the log for the pair, evicting the oldest
// entry once the cap is exceeded.
func (h *History) Append(id domain.Identity, agentID string, entry HistoryEntry) {
	key := historyKey(id, agentID)
	if key == "" {
		return
	}
	log := append(h.logs[key], entry)
	if len(log) > h.limit {
		log = log[len(log)-h.limit:]
	}
	h.logs[key] = log
}

// Len returns the current log length for the pair.
func (h *History) Len(id domain.Identity, agentID string) int {
	return len(h.logs[historyKey(id, agentID)])
}

// Snippet renders the last count entries in chronological order, one per
// line as "[timestamp] speaker: text", each text hard-truncated to truncate
// characters with an ellipsis. Empty string when no entries exist.
func (h *History) Snippet(id domain.Identity, agentID string, count, truncate int) string {
	entries := h.logs[historyKey(id, agentID)]
	if len(entries) == 0 {
		return ""
	}
	if count > 0 && len(entries) > count {
		entries = entries[len(entries)-count:]
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		text := e.Text
		if truncate > 0 {
			if runes := []rune(text); len(runes) > truncate {
				text = string(runes[:truncate]) + "…"
			}
		}
		lines = append(lines, "["+e.Ts.Format("2006-01-02 15:04")+"] "+e.Speaker+": "+text)
	}
	return strings.Join(lines, "\n")
}
