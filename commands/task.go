package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oversightlabs/overseer/model"
	"github.com/oversightlabs/overseer/queue"
)

func taskCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit task envelopes to an agent's queue",
	}

	var (
		team      string
		agentID   string
		queueName string
	)

	submit := &cobra.Command{
		Use:   "submit <envelope.json>",
		Short: "Validate and enqueue one task envelope file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var task model.TaskEnvelope
			if err := json.Unmarshal(data, &task); err != nil {
				return fmt.Errorf("parsing envelope: %w", err)
			}
			if err := task.Validate(); err != nil {
				return fmt.Errorf("invalid envelope: %w", err)
			}

			name := queueName
			if name == "" {
				if team == "" || agentID == "" {
					return fmt.Errorf("either --queue or both --team and --agent are required")
				}
				name = fmt.Sprintf("tasks_%s_%s", team, agentID)
			}

			q, err := queue.New(queue.Config{
				Backend:           cfg.Queue.Backend,
				Root:              cfg.Resolve(cfg.Queue.Root),
				URL:               cfg.Queue.URL,
				PollInterval:      cfg.Queue.PollInterval,
				ReconnectAttempts: cfg.Queue.ReconnectAttempts,
			}, nil)
			if err != nil {
				return err
			}
			defer q.Close()

			if err := q.Push(cmd.Context(), name, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s enqueued on %s\n", task.TaskID, name)
			return nil
		},
	}
	submit.Flags().StringVar(&team, "team", "", "Target team")
	submit.Flags().StringVar(&agentID, "agent", "", "Target agent")
	submit.Flags().StringVar(&queueName, "queue", "", "Explicit queue name, overriding --team/--agent")

	cmd.AddCommand(submit)
	return cmd
}
