package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/kernsphylis-design/EchoDesk/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadAgents(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	agents := []domain.Agent{
		{ID: "1", Name: "Alice", Address: "111", Channel: "telegram", Username: "alice"},
		{ID: "2", Name: "Bob", Address: "222", Channel: "discord"},
	}
	for _, a := range agents {
		if err := s.SaveAgent(ctx, a); err != nil {
			t.Fatalf("SaveAgent(%s): %v", a.ID, err)
		}
	}

	loaded, err := s.LoadAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(loaded))
	}
	if loaded[0].Name != "Alice" || loaded[1].Name != "Bob" {
		t.Errorf("load order: %v, %v", loaded[0].Name, loaded[1].Name)
	}
	if loaded[0].Username != "alice" || loaded[0].Channel != "telegram" {
		t.Errorf("fields: %+v", loaded[0])
	}
}

func TestSaveAgentUpdatesInPlace(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveAgent(ctx, domain.Agent{ID: "1", Name: "Alice", Address: "111", Channel: "telegram"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAgent(ctx, domain.Agent{ID: "1", Name: "Alicia", Address: "111", Channel: "telegram"}); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 agent after upsert, got %d", len(loaded))
	}
	if loaded[0].Name != "Alicia" {
		t.Errorf("name not updated: %q", loaded[0].Name)
	}
}

func TestDeleteAgent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.SaveAgent(ctx, domain.Agent{ID: "1", Name: "Alice"})
	if err := s.DeleteAgent(ctx, "1"); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected empty roster, got %d", len(loaded))
	}

	// Deleting a missing id is not an error.
	if err := s.DeleteAgent(ctx, "ghost"); err != nil {
		t.Errorf("delete missing: %v", err)
	}
}

func TestRememberAndLookupUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.RememberUser(ctx, "alice", "111"); err != nil {
		t.Fatal(err)
	}
	addr, err := s.LookupUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if addr != "111" {
		t.Errorf("address: got %q, want 111", addr)
	}

	// Latest address wins.
	if err := s.RememberUser(ctx, "alice", "999"); err != nil {
		t.Fatal(err)
	}
	addr, _ = s.LookupUser(ctx, "alice")
	if addr != "999" {
		t.Errorf("address not updated: %q", addr)
	}
}

func TestLookupUnknownUser(t *testing.T) {
	s := testStore(t)

	addr, err := s.LookupUser(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if addr != "" {
		t.Errorf("expected empty address, got %q", addr)
	}
}

func TestRosterSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.SaveAgent(ctx, domain.Agent{ID: "1", Name: "Alice", Address: "111", Channel: "telegram"})
	s.Close()

	s2, err := NewSQLiteStore(dbPath, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	loaded, err := s2.LoadAgents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].Name != "Alice" {
		t.Errorf("roster after reopen: %+v", loaded)
	}
}
