// Package commands provides the overseer command tree: controller cycles,
// agent cycles, candidate review, health checks, and state document
// operations.
package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oversightlabs/overseer/config"
)

// Version and BuildTime are stamped by the build.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "overseer"

type rootOptions struct {
	configPath  string
	projectRoot string
	logLevel    string
}

// Root builds the command tree.
func Root() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-agent work coordination platform",
		Long: `Overseer coordinates a controller and specialized agents over a durable
file or broker inbox/outbox substrate.

The controller scans agent reports, verifies their integrity, retries or
escalates failures, routes high-risk proposals through human review, and
projects every outcome onto a single authoritative state document.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(opts.logLevel)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.projectRoot, "project-root", "", "Project root overriding the configured one")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		controllerCmd(opts),
		agentCmd(opts),
		reviewCmd(opts),
		healthCmd(opts),
		stateCmd(opts),
		taskCmd(opts),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

func setupLogging(logLevel string) error {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// loadConfig applies the layered precedence: defaults, project config,
// environment, then explicit flags.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if o.configPath != "" {
		cfg, err = config.LoadFromFile(o.configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg, err = config.NewLoader(nil).Load()
		if err != nil {
			return nil, err
		}
	}

	if o.projectRoot != "" {
		cfg.Paths.ProjectRoot = o.projectRoot
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
