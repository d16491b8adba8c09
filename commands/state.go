package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/oversightlabs/overseer/controller"
)

func stateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect, verify, and rebuild the authoritative state document",
	}

	buildController := func() (*controller.Controller, error) {
		cfg, err := opts.loadConfig()
		if err != nil {
			return nil, err
		}
		return controller.New(cfg, prometheus.NewRegistry())
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the state document in canonical form",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildController()
			if err != nil {
				return err
			}
			doc, err := c.State().Load()
			if err != nil {
				return err
			}
			data, err := doc.Render()
			if err != nil {
				return err
			}
			cmd.Print(string(data))
			return nil
		},
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check presence, checksum, frontmatter, and referential integrity",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildController()
			if err != nil {
				return err
			}
			result := c.State().Verify()
			if err := printJSON(cmd, result); err != nil {
				return err
			}
			if !result.OK {
				return fmt.Errorf("state document failed verification")
			}
			return nil
		},
	}

	rebuild := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the state document by replaying every report in the inbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildController()
			if err != nil {
				return err
			}
			doc, replayed, err := c.State().Rebuild(c.InboxDir())
			if err != nil {
				return err
			}
			hash, err := c.State().SaveRebuilt(doc, "rebuild-"+uuid.New().String())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d reports, document hash %s\n", replayed, hash)
			return nil
		},
	}

	cmd.AddCommand(show, verify, rebuild)
	return cmd
}
