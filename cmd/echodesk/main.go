package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kernsphylis-design/EchoDesk/internal/bus"
	"github.com/kernsphylis-design/EchoDesk/internal/channel"
	"github.com/kernsphylis-design/EchoDesk/internal/config"
	"github.com/kernsphylis-design/EchoDesk/internal/metrics"
	"github.com/kernsphylis-design/EchoDesk/internal/relay"
	"github.com/kernsphylis-design/EchoDesk/internal/store"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "echodesk",
		Short: "EchoDesk: live support relay between a web chat widget and bot networks",
		Long:  "EchoDesk relays conversations between visitors on an embeddable web chat widget and support agents on Telegram, Discord, or Slack.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.echodesk/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(agentsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func buildLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stderr
	if cfg.General.LogFile != "" {
		if f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			out = f
		} else {
			logger.Warn("cannot open log file, using stderr", "path", cfg.General.LogFile, "err", err)
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config directory and default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				logger.Info("config already exists, leaving it untouched", "path", cfgPath)
				return nil
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay (web widget + enabled bot channels)",
		Long:  "Starts the conversation router, the web widget server, and every enabled bot channel. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = buildLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(cfg.Relay.BusBuffer, logger)
	events := bus.NewEventBus(logger)
	bridgeMetrics(events)

	rosterStore, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("roster store: %w", err)
	}
	defer rosterStore.Close()

	directory := relay.NewDirectory(rosterStore, events, logger)
	if err := directory.Load(ctx); err != nil {
		return err
	}
	metrics.RegisteredAgents.Set(int64(len(directory.List())))

	router := relay.NewRouter(relay.RouterConfig{
		Registry:        relay.NewRegistry(),
		Directory:       directory,
		History:         relay.NewHistory(cfg.Relay.HistoryLimit),
		Queue:           relay.NewOfflineQueue(),
		Bus:             messageBus,
		Events:          events,
		Logger:          logger,
		SnippetCount:    cfg.Relay.SnippetCount,
		SnippetTruncate: cfg.Relay.SnippetTruncate,
	})
	go router.Run(ctx)

	var webCh *channel.Web
	if cfg.Channels.Web.Enabled {
		webCfg := channel.WebConfig{
			Host:    cfg.Channels.Web.Host,
			Port:    cfg.Channels.Web.Port,
			Logger:  logger,
			Version: version,
		}
		if cfg.Metrics.Enabled {
			webCfg.MetricsHandler = metrics.Collector.Handler()
		}
		webCh = channel.NewWeb(webCfg)
		directory.SetBroadcastHook(webCh.BroadcastAgents)
		go func() {
			if err := webCh.Start(ctx, messageBus); err != nil {
				logger.Error("web channel error", "err", err)
			}
		}()
	} else {
		logger.Info("web channel disabled")
	}

	var telegramCh *channel.Telegram
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		telegramCh = channel.NewTelegram(channel.TelegramChannelConfig{
			Token:     cfg.Channels.Telegram.Token,
			AdminIDs:  []string(cfg.Channels.Telegram.AdminIDs),
			Directory: directory,
			Store:     rosterStore,
			Logger:    logger,
		})
		go func() {
			if err := telegramCh.Start(ctx, messageBus); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled")
	}

	var discordCh *channel.Discord
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		discordCh = channel.NewDiscord(channel.DiscordChannelConfig{
			Token:     cfg.Channels.Discord.Token,
			GuildID:   cfg.Channels.Discord.GuildID,
			Directory: directory,
			Store:     rosterStore,
			Logger:    logger,
		})
		go func() {
			if err := discordCh.Start(ctx, messageBus); err != nil {
				logger.Error("discord channel error", "err", err)
			}
		}()
		logger.Info("discord channel enabled")
	}

	if cfg.Channels.Slack.Enabled && cfg.Channels.Slack.BotToken != "" {
		slackCh := channel.NewSlack(channel.SlackChannelConfig{
			BotToken:  cfg.Channels.Slack.BotToken,
			AppToken:  cfg.Channels.Slack.AppToken,
			Directory: directory,
			Store:     rosterStore,
			Logger:    logger,
		})
		go func() {
			if err := slackCh.Start(ctx, messageBus); err != nil {
				logger.Error("slack channel error", "err", err)
			}
		}()
		logger.Info("slack channel enabled")
	}

	logger.Info("relay started. Press Ctrl+C to stop.")

	<-ctx.Done()
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if telegramCh != nil {
			telegramCh.Stop()
		}
		if webCh != nil {
			webCh.Stop()
		}
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// bridgeMetrics maps internal events onto the Prometheus collectors.
func bridgeMetrics(events *bus.EventBus) {
	events.On(bus.EventRelayForwarded, func(bus.Event) { metrics.MessagesForwarded.Inc() })
	events.On(bus.EventRelayDelivered, func(bus.Event) { metrics.RepliesDelivered.Inc() })
	events.On(bus.EventRelayQueued, func(bus.Event) { metrics.RepliesQueued.Inc() })
	events.On(bus.EventRelayDropped, func(bus.Event) { metrics.RepliesDropped.Inc() })
	events.On(bus.EventRelayFlushed, func(evt bus.Event) {
		metrics.QueueFlushes.Inc()
		if n, ok := evt.Payload["messages"].(int); ok {
			metrics.FlushBatchSize.Observe(float64(n))
		}
	})
	events.On(bus.EventConnectionOpened, func(bus.Event) { metrics.ActiveConnections.Inc() })
	events.On(bus.EventConnectionClosed, func(bus.Event) { metrics.ActiveConnections.Dec() })
	events.On(bus.EventRosterUpdated, func(evt bus.Event) {
		if n, ok := evt.Payload["agents"].(int); ok {
			metrics.RegisteredAgents.Set(int64(n))
		}
	})
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and roster status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			rosterStore, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("roster store: %w", err)
			}
			defer rosterStore.Close()

			agents, err := rosterStore.LoadAgents(context.Background())
			if err != nil {
				return err
			}
			logger.Info("roster", "agents", len(agents), "db", cfg.Store.DBPath)
			for _, a := range agents {
				logger.Info("agent", "name", a.Name, "channel", a.Channel, "address", a.Address)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. channels.web.port)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. channels.web.port 3001)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
