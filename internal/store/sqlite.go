package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kernsphylis-design/EchoDesk/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.RosterStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		address     TEXT,
		channel     TEXT,
		username    TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_agents_address ON agents(channel, address);

	CREATE TABLE IF NOT EXISTS known_users (
		username    TEXT PRIMARY KEY,
		address     TEXT NOT NULL,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// LoadAgents returns the full roster in the order agents were first added.
func (s *SQLiteStore) LoadAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, address, channel, username
		 FROM agents ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var address, channel, username sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &address, &channel, &username); err != nil {
			return nil, err
		}
		a.Address = address.String
		a.Channel = channel.String
		a.Username = username.String
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SaveAgent inserts or updates a roster entry, preserving created_at so the
// load order stays stable across restarts.
func (s *SQLiteStore) SaveAgent(ctx context.Context, agent domain.Agent) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, address, channel, username, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, address=excluded.address,
		   channel=excluded.channel, username=excluded.username,
		   updated_at=excluded.updated_at`,
		agent.ID, agent.Name, agent.Address, agent.Channel, agent.Username, now, now,
	)
	return err
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	return err
}

// RememberUser caches a username to network-address mapping so admins can add
// an agent by @username before the agent has ever been looked up.
func (s *SQLiteStore) RememberUser(ctx context.Context, username, address string) error {
	if username == "" || address == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO known_users (username, address, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET
		   address=excluded.address, updated_at=excluded.updated_at`,
		username, address, time.Now(),
	)
	return err
}

// LookupUser returns the cached address for a username, empty when unknown.
func (s *SQLiteStore) LookupUser(ctx context.Context, username string) (string, error) {
	var address string
	err := s.db.QueryRowContext(ctx,
		`SELECT address FROM known_users WHERE username = ?`, username,
	).Scan(&address)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return address, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
