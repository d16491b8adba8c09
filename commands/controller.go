package commands

import (
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/oversightlabs/overseer/controller"
)

func controllerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run controller inbox-processing cycles",
	}

	var team string

	runOnce := &cobra.Command{
		Use:   "run-once",
		Short: "Process the inbox once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			c, err := controller.New(cfg, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}
			result, err := c.ProcessInbox(team)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	runOnce.Flags().StringVar(&team, "team", "", "Process only this team's inbox")

	var interval time.Duration

	run := &cobra.Command{
		Use:   "run",
		Short: "Process the inbox continuously until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			c, err := controller.New(cfg, prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}

			// Cooperative shutdown: the in-flight cycle always finishes
			// before the loop exits.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			slog.Info("Controller loop started",
				slog.Duration("interval", interval),
				slog.String("team", team))
			for {
				result, err := c.ProcessInbox(team)
				if err != nil {
					slog.Error("Cycle failed", slog.String("error", err.Error()))
				} else if result.Processed() > 0 {
					slog.Info("Cycle summary",
						slog.String("cycle_id", result.CycleID),
						slog.Int("processed", result.Processed()))
				}

				select {
				case <-ctx.Done():
					slog.Info("Controller loop stopped")
					return nil
				case <-time.After(interval):
				}
			}
		},
	}
	run.Flags().StringVar(&team, "team", "", "Process only this team's inbox")
	run.Flags().DurationVar(&interval, "interval", 5*time.Second, "Delay between cycles")

	cmd.AddCommand(runOnce, run)
	return cmd
}
