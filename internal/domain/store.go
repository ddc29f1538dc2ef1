package domain

import "context"

// RosterStore persists the agent roster and the known-username cache.
// Relay state (selections, history, offline queues) is deliberately not
// persisted; only the roster survives a restart.
type RosterStore interface {
	LoadAgents(ctx context.Context) ([]Agent, error)
	SaveAgent(ctx context.Context, agent Agent) error
	DeleteAgent(ctx context.Context, id string) error

	// RememberUser caches username -> chat address so admins can register
	// agents by @username.
	RememberUser(ctx context.Context, username, address string) error

	// LookupUser returns the cached address for a username, or "" if the
	// user has never messaged the bot.
	LookupUser(ctx context.Context, username string) (string, error)

	Close() error
}
