package commands

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/oversightlabs/overseer/controller"
)

func healthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Classify every agent and print the system summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			c, err := controller.New(cfg, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			summary, err := c.CheckHealth()
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
}
