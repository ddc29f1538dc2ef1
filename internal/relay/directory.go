package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kernsphylis-design/EchoDesk/internal/bus"
	"github.com/kernsphylis-design/EchoDesk/internal/domain"
)

// Directory holds the agent roster. The router only reads it; mutation is
// driven by admin commands arriving on the bot channels, which run on their
// own goroutines, so the directory carries its own lock unlike the
// router-owned state.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]domain.Agent
	order  []string // insertion order for List

	store     domain.RosterStore // optional persistence
	events    *bus.EventBus      // optional
	logger    *slog.Logger
	broadcast func([]domain.AgentRef)
}

func NewDirectory(store domain.RosterStore, events *bus.EventBus, logger *slog.Logger) *Directory {
	return &Directory{
		agents: make(map[string]domain.Agent),
		store:  store,
		events: events,
		logger: logger,
	}
}

// Load populates the roster from the store. Called once at startup.
func (d *Directory) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	agents, err := d.store.LoadAgents(ctx)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range agents {
		if _, exists := d.agents[a.ID]; !exists {
			d.order = append(d.order, a.ID)
		}
		d.agents[a.ID] = a
	}
	d.logger.Info("roster loaded", "agents", len(d.order))
	return nil
}

// SetBroadcastHook registers the callback fired with a fresh snapshot after
// every mutation. The web channel uses it to push roster updates to all
// connected widgets.
func (d *Directory) SetBroadcastHook(fn func([]domain.AgentRef)) {
	d.mu.Lock()
	d.broadcast = fn
	d.mu.Unlock()
}

// List returns the roster snapshot in insertion order.
func (d *Directory) List() []domain.AgentRef {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

func (d *Directory) snapshotLocked() []domain.AgentRef {
	refs := make([]domain.AgentRef, 0, len(d.order))
	for _, id := range d.order {
		if a, ok := d.agents[id]; ok {
			refs = append(refs, a.Ref())
		}
	}
	return refs
}

// Get returns the agent for a roster id.
func (d *Directory) Get(id string) (domain.Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	return a, ok
}

// GetByAddress finds the agent registered with the given address on a
// channel. Used to identify who sent an inbound bot-network message.
func (d *Directory) GetByAddress(channel, address string) (domain.Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range d.agents {
		if a.Channel == channel && a.Address == address {
			return a, true
		}
	}
	return domain.Agent{}, false
}

// Upsert adds or updates a roster entry, persists it, and pushes a fresh
// snapshot through the broadcast hook. Reports whether the agent already
// existed.
func (d *Directory) Upsert(ctx context.Context, agent domain.Agent) (bool, error) {
	if agent.ID == "" || agent.Name == "" {
		return false, fmt.Errorf("agent id and name are required")
	}
	if d.store != nil {
		if err := d.store.SaveAgent(ctx, agent); err != nil {
			return false, fmt.Errorf("persist agent %s: %w", agent.ID, err)
		}
	}

	d.mu.Lock()
	_, existed := d.agents[agent.ID]
	if !existed {
		d.order = append(d.order, agent.ID)
	}
	d.agents[agent.ID] = agent
	snapshot := d.snapshotLocked()
	hook := d.broadcast
	d.mu.Unlock()

	d.logger.Info("roster upsert", "agent", agent.Name, "id", agent.ID, "channel", agent.Channel, "existed", existed)
	d.notify(snapshot, hook)
	return existed, nil
}

// Remove deletes a roster entry and pushes a fresh snapshot.
func (d *Directory) Remove(ctx context.Context, id string) (domain.Agent, bool, error) {
	d.mu.Lock()
	agent, ok := d.agents[id]
	if !ok {
		d.mu.Unlock()
		return domain.Agent{}, false, nil
	}
	delete(d.agents, id)
	for i, oid := range d.order {
		if oid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	snapshot := d.snapshotLocked()
	hook := d.broadcast
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.DeleteAgent(ctx, id); err != nil {
			return agent, true, fmt.Errorf("delete agent %s: %w", id, err)
		}
	}

	d.logger.Info("roster remove", "agent", agent.Name, "id", id)
	d.notify(snapshot, hook)
	return agent, true, nil
}

func (d *Directory) notify(snapshot []domain.AgentRef, hook func([]domain.AgentRef)) {
	if hook != nil {
		hook(snapshot)
	}
	if d.events != nil {
		d.events.Emit(bus.Event{
			Type:    bus.EventRosterUpdated,
			Source:  "directory",
			Payload: map[string]any{"agents": len(snapshot)},
		})
	}
}
