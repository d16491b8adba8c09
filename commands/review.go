package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/oversightlabs/overseer/controller"
	"github.com/oversightlabs/overseer/model"
)

func reviewCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List and decide candidate changes awaiting approval",
	}

	buildController := func() (*controller.Controller, error) {
		cfg, err := opts.loadConfig()
		if err != nil {
			return nil, err
		}
		return controller.New(cfg, prometheus.NewRegistry())
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List candidates, pending first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildController()
			if err != nil {
				return err
			}
			candidates, err := c.ListCandidates()
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no candidates")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CANDIDATE\tTASK\tAGENT\tSTATUS\tSUBMITTED\tREASONS")
			for _, cand := range candidates {
				reasons := ""
				if len(cand.ReviewReasons) > 0 {
					reasons = cand.ReviewReasons[0]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					cand.CandidateID, cand.TaskID, cand.Agent, cand.Status,
					cand.SubmittedAt.Format("2006-01-02 15:04"), reasons)
			}
			return w.Flush()
		},
	}

	var (
		decision string
		reviewer string
		notes    string
	)

	decide := &cobra.Command{
		Use:   "decide <candidate-id>",
		Short: "Approve or reject one candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildController()
			if err != nil {
				return err
			}
			result, err := c.ReviewCandidate(&controller.ReviewRequest{
				CandidateID: args[0],
				Decision:    model.ReviewDecision(decision),
				Reviewer:    reviewer,
				Notes:       notes,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "candidate %s is now %s\n",
				result.Candidate.CandidateID, result.Candidate.Status)
			if result.DirectivePath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "directive written to %s\n", result.DirectivePath)
			}
			return nil
		},
	}
	decide.Flags().StringVar(&decision, "decision", "", "approve or reject")
	decide.Flags().StringVar(&reviewer, "reviewer", "", "Reviewer identity")
	decide.Flags().StringVar(&notes, "notes", "", "Reviewer notes")
	_ = decide.MarkFlagRequired("decision")
	_ = decide.MarkFlagRequired("reviewer")

	cmd.AddCommand(list, decide)
	return cmd
}
