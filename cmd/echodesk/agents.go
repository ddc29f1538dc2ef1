package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kernsphylis-design/EchoDesk/internal/config"
	"github.com/kernsphylis-design/EchoDesk/internal/domain"
	"github.com/kernsphylis-design/EchoDesk/internal/relay"
	"github.com/kernsphylis-design/EchoDesk/internal/store"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// rosterEntry is one agent in a roster YAML file.
type rosterEntry struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Channel  string `yaml:"channel"`
	Username string `yaml:"username"`
}

type rosterFile struct {
	Agents []rosterEntry `yaml:"agents"`
}

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage the support agent roster",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered support agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			directory, closeStore, err := openDirectory(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			refs := directory.List()
			if len(refs) == 0 {
				fmt.Println("No support agents registered.")
				return nil
			}
			for i, ref := range refs {
				agent, _ := directory.Get(ref.ID)
				fmt.Printf("%d. %s (%s on %s)\n", i+1, agent.Name, agent.Address, agent.Channel)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import [file.yaml]",
		Short: "Import agents from a YAML roster file",
		Long: `Import agents from a YAML file of the form:

agents:
  - name: Jane Doe
    address: "123456789"
    channel: telegram
    username: jane

Existing agents with the same address keep their position and get updated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var roster rosterFile
			if err := yaml.Unmarshal(data, &roster); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			if len(roster.Agents) == 0 {
				return fmt.Errorf("%s contains no agents", args[0])
			}

			directory, closeStore, err := openDirectory(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			added, updated := 0, 0
			for i, entry := range roster.Agents {
				if entry.Name == "" || entry.Address == "" {
					return fmt.Errorf("agent %d: name and address are required", i+1)
				}
				if entry.Channel == "" {
					entry.Channel = "telegram"
				}
				created, err := directory.Upsert(cmd.Context(), domain.Agent{
					ID:       entry.Address,
					Name:     entry.Name,
					Address:  entry.Address,
					Channel:  entry.Channel,
					Username: entry.Username,
				})
				if err != nil {
					return err
				}
				if created {
					added++
				} else {
					updated++
				}
			}
			logger.Info("roster imported", "file", args[0], "added", added, "updated", updated)
			return nil
		},
	})

	return cmd
}

// openDirectory loads config, opens the roster store, and returns a loaded
// directory plus a cleanup func.
func openDirectory(ctx context.Context) (*relay.Directory, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	rosterStore, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("roster store: %w", err)
	}
	directory := relay.NewDirectory(rosterStore, nil, logger)
	if err := directory.Load(ctx); err != nil {
		rosterStore.Close()
		return nil, nil, err
	}
	return directory, func() { rosterStore.Close() }, nil
}
