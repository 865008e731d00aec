package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"optibot/internal/agent"
	"optibot/internal/artifact"
	"optibot/internal/bot"
	"optibot/internal/classify"
	"optibot/internal/config"
	"optibot/internal/conversation"
	"optibot/internal/gateway"
	"optibot/internal/logging"
	"optibot/internal/slack"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "optibot",
	Short: "optibot - conversational data-warehouse assistant for Slack",
	Long: `optibot answers data questions asked in Slack mentions, DMs, and
threads. It plans warehouse queries with an LLM, executes them through a
bounded tool loop, and delivers results as messages or CSV files in the
originating thread.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "info"
		if verbose {
			level = "debug"
		}
		var err error
		logger, err = logging.New(logging.Options{Level: level})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to Slack and serve until interrupted",
	RunE:  runBot,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("optibot " + Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Logging.Level != "" && !verbose {
		logger, err = logging.New(logging.Options{
			Level:       cfg.Logging.Level,
			Development: cfg.Logging.Development,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := build(ctx, cfg)
	if err != nil {
		return err
	}

	logger.Info("starting optibot", zap.String("version", Version))
	return b.Run(ctx)
}

// build assembles the full pipeline from config.
func build(ctx context.Context, cfg *config.Config) (*bot.Bot, error) {
	client := slack.NewClient(slack.ClientConfig{
		BotToken: cfg.Slack.BotToken,
		APIBase:  cfg.Slack.APIBase,
		Logger:   logging.Named(logger, "slack"),
	})

	botUserID, err := client.AuthTest(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack auth test failed: %w", err)
	}
	logger.Info("authenticated", zap.String("bot_user_id", botUserID))

	session := slack.NewSession(slack.SessionConfig{
		AppToken: cfg.Slack.AppToken,
		APIBase:  cfg.Slack.APIBase,
		Logger:   logging.Named(logger, "session"),
	})

	var history conversation.History
	if cfg.Conversations.HistoryDB != "" {
		h, err := conversation.NewSQLiteHistory(cfg.Conversations.HistoryDB)
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		history = h
	}

	resolver := conversation.NewResolver(conversation.Options{
		QueueBound:     cfg.Conversations.QueueBound,
		IdleTTL:        config.Duration(cfg.Conversations.IdleEviction),
		RehydrateTurns: cfg.Conversations.RehydrateTurns,
		History:        history,
		Logger:         logging.Named(logger, "conversation"),
	})

	dedup := classify.NewDedup(config.Duration(cfg.Slack.DedupWindow))
	classifier := classify.New(botUserID, dedup, resolver.KnowsThread)

	warehouse := gateway.NewHTTPWarehouse(gateway.HTTPWarehouseConfig{
		BaseURL:    cfg.Warehouse.BaseURL,
		Timeout:    config.Duration(cfg.Warehouse.Timeout),
		MaxRetries: cfg.Warehouse.MaxRetries,
		Logger:     logging.Named(logger, "warehouse"),
	})
	gw := gateway.New(warehouse, logging.Named(logger, "gateway"))

	artifacts, err := artifact.NewManager(artifact.Config{
		Dir:           cfg.Artifacts.Dir,
		TTL:           config.Duration(cfg.Artifacts.TTL),
		MaxBytes:      int64(cfg.Artifacts.MaxSizeMB) << 20,
		SweepInterval: config.Duration(cfg.Artifacts.SweepInterval),
		Logger:        logging.Named(logger, "artifact"),
	})
	if err != nil {
		return nil, err
	}

	planner, err := agent.NewGeminiPlanner(ctx, agent.GeminiConfig{
		APIKey: cfg.Planner.APIKey,
		Model:  cfg.Planner.Model,
		Logger: logging.Named(logger, "planner"),
	}, gw.Definitions())
	if err != nil {
		return nil, fmt.Errorf("failed to create planner: %w", err)
	}

	engine := agent.NewEngine(planner, gw, artifacts, agent.Config{
		StepCap:         cfg.Agent.StepCap,
		TurnTimeout:     config.Duration(cfg.Agent.TurnTimeout),
		RetriesPerError: cfg.Agent.RetriesPerError,
	}, logging.Named(logger, "engine"))

	return bot.New(bot.Options{
		Session:            session,
		Client:             client,
		Classifier:         classifier,
		Resolver:           resolver,
		Engine:             engine,
		Artifacts:          artifacts,
		MaxConcurrentTurns: cfg.Agent.MaxConcurrentTurns,
		Logger:             logging.Named(logger, "bot"),
	}), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
