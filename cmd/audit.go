package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newAuditCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check stored results against the current rulebook",
	}

	var limit int
	dir := &cobra.Command{
		Use:   "direction",
		Short: "Re-resolve stored directions and report differences",
		Long: `Re-run the direction resolver over stored messages and list every message
whose direction, method or true party would change under the current
rulebook. Nothing is written.

Run it after editing own domains, forward markers or carrier domains.

Examples:
  freightdesk audit direction
  freightdesk audit direction --limit 5000 -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			rt, err := deps.runtime(cmd.Context(), OpenOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.Direction().Audit(cmd.Context(), rt.Store, limit)
			if err != nil {
				return err
			}
			return deps.render(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "Rules %s: checked %d message(s), %d mismatch(es)\n",
					report.RulesVersion, report.Checked, len(report.Mismatches))
				if len(report.Mismatches) == 0 {
					return
				}
				fmt.Fprintln(w)
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "MESSAGE\tSTORED\tCURRENT")
				for _, m := range report.Mismatches {
					fmt.Fprintf(tw, "%s\t%s/%s/%s\t%s/%s/%s\n", m.MessageID,
						m.Stored.Direction, m.Stored.Method, orDash(m.Stored.TrueParty),
						m.Current.Direction, m.Current.Method, orDash(m.Current.TrueParty))
				}
				tw.Flush()
			})
		},
	}
	dir.Flags().IntVar(&limit, "limit", 1000, "Most recent messages to check")

	cmd.AddCommand(dir)
	return cmd
}
