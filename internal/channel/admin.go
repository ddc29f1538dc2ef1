package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kernsphylis-design/EchoDesk/internal/domain"
	"github.com/kernsphylis-design/EchoDesk/internal/relay"
)

// RosterAdmin executes roster management commands on behalf of a bot channel.
// Each network wraps it with its own command syntax; the resolution and reply
// wording stay consistent across networks.
type RosterAdmin struct {
	directory *relay.Directory
	store     domain.RosterStore
	channel   string
	logger    *slog.Logger
}

func NewRosterAdmin(directory *relay.Directory, store domain.RosterStore, channel string, logger *slog.Logger) *RosterAdmin {
	return &RosterAdmin{
		directory: directory,
		store:     store,
		channel:   channel,
		logger:    logger,
	}
}

// resolveTarget turns a command argument into a network address. Accepts a
// raw address, an @username known from earlier traffic, or empty / "me" for
// the sender.
func (a *RosterAdmin) resolveTarget(ctx context.Context, target, senderAddr string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" || target == "me" {
		return senderAddr, nil
	}
	if strings.HasPrefix(target, "@") {
		username := strings.TrimPrefix(target, "@")
		addr, err := a.store.LookupUser(ctx, username)
		if err != nil {
			return "", fmt.Errorf("lookup %s: %w", target, err)
		}
		if addr == "" {
			return "", fmt.Errorf("I don't know %s yet. Ask them to message me once, then try again", target)
		}
		return addr, nil
	}
	return target, nil
}

// Add registers an agent under the given display name. Target selects whose
// address to use (see resolveTarget). Returns the reply text for the admin.
func (a *RosterAdmin) Add(ctx context.Context, name, target, senderAddr, senderUsername string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "Usage: addsupport <display name> [address|@username]"
	}

	addr, err := a.resolveTarget(ctx, target, senderAddr)
	if err != nil {
		return err.Error() + "."
	}

	agent := domain.Agent{
		ID:      addr,
		Name:    name,
		Address: addr,
		Channel: a.channel,
	}
	if addr == senderAddr {
		agent.Username = senderUsername
	}

	existed, err := a.directory.Upsert(ctx, agent)
	if err != nil {
		a.logger.Error("roster add failed", "name", name, "err", err)
		return "Could not save the agent, please try again."
	}
	if existed {
		return fmt.Sprintf("Updated agent %q (%s).", name, addr)
	}
	return fmt.Sprintf("Added agent %q (%s). Visitors can now select them in the chat widget.", name, addr)
}

// Remove drops an agent from the roster by address, @username, or "me".
func (a *RosterAdmin) Remove(ctx context.Context, target, senderAddr string) string {
	addr, err := a.resolveTarget(ctx, target, senderAddr)
	if err != nil {
		return err.Error() + "."
	}

	agent, found, err := a.directory.Remove(ctx, addr)
	if err != nil {
		a.logger.Error("roster remove failed", "target", target, "err", err)
		return "Could not remove the agent, please try again."
	}
	if !found {
		return fmt.Sprintf("No agent registered with address %s.", addr)
	}
	return fmt.Sprintf("Removed agent %q (%s).", agent.Name, addr)
}

// List renders the roster for this network plus any agents on other networks.
func (a *RosterAdmin) List() string {
	refs := a.directory.List()
	if len(refs) == 0 {
		return "No support agents registered."
	}
	var b strings.Builder
	b.WriteString("Support agents:\n")
	for i, ref := range refs {
		agent, _ := a.directory.Get(ref.ID)
		fmt.Fprintf(&b, "%d. %s (%s on %s)\n", i+1, agent.Name, agent.Address, agent.Channel)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Whoami describes the sender's roster status.
func (a *RosterAdmin) Whoami(senderAddr, senderUsername string) string {
	line := fmt.Sprintf("Your address: %s", senderAddr)
	if senderUsername != "" {
		line += fmt.Sprintf(" (@%s)", senderUsername)
	}
	if agent, ok := a.directory.GetByAddress(a.channel, senderAddr); ok {
		return line + fmt.Sprintf("\nYou are registered as agent %q.", agent.Name)
	}
	return line + "\nYou are not on the support roster."
}
