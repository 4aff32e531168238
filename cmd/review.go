package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newReviewCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Inspect and retry the manual review queue",
		Long: `Messages land in review when classification is indeterminate or below
the confidence threshold, or when their identifiers conflict with
existing shipments.

Examples:
  freightdesk review list
  freightdesk review list --all -o json
  freightdesk review retry`,
	}

	cmd.AddCommand(newReviewListCommand(deps), newReviewRetryCommand(deps))
	return cmd
}

func newReviewListCommand(deps *Deps) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review items",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := deps.runtime(cmd.Context(), OpenOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			items, err := rt.Store.ListReviews(cmd.Context(), all)
			if err != nil {
				return err
			}
			return deps.render(cmd.OutOrStdout(), items, func(w io.Writer) {
				if len(items) == 0 {
					fmt.Fprintln(w, "No review items.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tMESSAGE\tREASON\tCREATED\tRESOLVED\tDETAILS")
				for _, it := range items {
					resolved := "-"
					if it.ResolvedAt != nil {
						resolved = it.ResolvedAt.Format("2006-01-02 15:04")
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
						it.ID, it.MessageID, it.Reason, it.CreatedAt.Format("2006-01-02 15:04"), resolved, truncate(it.Details, 60))
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include resolved items")
	return cmd
}

func newReviewRetryCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Re-run classification review items against the current rulebook",
		Long: `Re-run every open classification review item. Items whose message now
classifies with enough confidence are resolved. Conflict reviews need a
human and are left alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := deps.runtime(cmd.Context(), OpenOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.Backfill(deps.Config.Backfill.Runner()).RetryReviews(cmd.Context())
			if err != nil {
				return err
			}
			return deps.render(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "Retried %d item(s): %d resolved, %d still pending, %d failed\n",
					report.Retried, report.Resolved, report.Pending, report.Failed)
			})
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
