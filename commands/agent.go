package commands

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oversightlabs/overseer/agent"
	"github.com/oversightlabs/overseer/model"
)

func agentCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run agent task-processing cycles",
	}

	var kind string

	buildRunner := func() (*agent.Runner, error) {
		cfg, err := opts.loadConfig()
		if err != nil {
			return nil, err
		}
		return agent.New(cfg, model.AgentKind(kind))
	}

	runOnce := &cobra.Command{
		Use:   "run-once",
		Short: "Process at most one task and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := buildRunner()
			if err != nil {
				return err
			}
			defer r.Close()

			result, err := r.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if result == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending task")
				return nil
			}
			return printJSON(cmd, result)
		},
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Process tasks continuously until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := buildRunner()
			if err != nil {
				return err
			}
			defer r.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("Agent loop started", slog.String("kind", kind))
			if err := r.Run(ctx); err != nil {
				return err
			}
			slog.Info("Agent loop stopped")
			return nil
		},
	}

	for _, sub := range []*cobra.Command{runOnce, run} {
		sub.Flags().StringVar(&kind, "kind", "", "Agent kind (sheets, auth, backend, metrics, ui)")
		_ = sub.MarkFlagRequired("kind")
	}

	cmd.AddCommand(runOnce, run)
	return cmd
}
