package cmd

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/shipments"
)

func newDuplicatesCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "Find and resolve duplicate shipments",
		Long: `Duplicate shipments share a normalized booking key, usually because a
carrier formatted the same booking differently. Scanning only opens flags;
a person decides whether to merge or dismiss each one.

Examples:
  freightdesk duplicates scan
  freightdesk duplicates list --status open
  freightdesk duplicates merge 12 --canonical 301 --note "same booking, SCAC prefix" --by jo
  freightdesk duplicates dismiss 13 --note "different legs" --by jo`,
	}

	cmd.AddCommand(
		newDuplicatesScanCommand(deps),
		newDuplicatesListCommand(deps),
		newDuplicatesMergeCommand(deps),
		newDuplicatesDismissCommand(deps),
	)
	return cmd
}

func newDuplicatesScanCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Re-normalize booking numbers and flag duplicates",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := deps.runtime(cmd.Context(), OpenOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			flags, err := rt.Deduper().FindDuplicates(cmd.Context())
			if err != nil {
				return err
			}
			return deps.render(cmd.OutOrStdout(), flags, func(w io.Writer) {
				fmt.Fprintf(w, "Opened %d new duplicate flag(s).\n", len(flags))
				if len(flags) > 0 {
					printFlags(w, flags)
				}
			})
		},
	}
}

func newDuplicatesListCommand(deps *Deps) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List duplicate flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := resolution.DuplicateStatus(status)
			switch st {
			case "", resolution.DuplicateOpen, resolution.DuplicateMerged, resolution.DuplicateDismissed:
			default:
				return fmt.Errorf("invalid --status %q: use open, merged or dismissed", status)
			}

			rt, err := deps.runtime(cmd.Context(), OpenOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			flags, err := rt.Deduper().List(cmd.Context(), st)
			if err != nil {
				return err
			}
			return deps.render(cmd.OutOrStdout(), flags, func(w io.Writer) {
				if len(flags) == 0 {
					fmt.Fprintln(w, "No duplicate flags.")
					return
				}
				printFlags(w, flags)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", string(resolution.DuplicateOpen), "Filter by status: open, merged, dismissed (empty for all)")
	return cmd
}

func printFlags(w io.Writer, flags []resolution.DuplicateFlag) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FLAG\tCANONICAL\tDUPLICATE\tBOOKING KEY\tSTATUS\tRESOLVED BY")
	for _, f := range flags {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%s\n",
			f.ID, f.CanonicalShipmentID, f.DuplicateShipmentID, f.BookingKey, f.Status, orDash(f.ResolvedBy))
	}
	tw.Flush()
}

func parseFlagID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid flag id %q", arg)
	}
	return id, nil
}

func newDuplicatesMergeCommand(deps *Deps) *cobra.Command {
	var (
		canonical int64
		note      string
		by        string
	)

	cmd := &cobra.Command{
		Use:   "merge <flag-id>",
		Short: "Merge a flagged duplicate into the canonical shipment",
		Long: `Merge the two shipments of a flag. Messages, events, action items and
identifier mappings move to the canonical shipment, its empty fields are
filled from the duplicate, and its state is raised to the higher of the
two. The duplicate is deleted once nothing links to it.

--canonical defaults to the shipment the scan preferred. A note and the
name of who decided are required.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flagID, err := parseFlagID(args[0])
			if err != nil {
				return err
			}

			rt, err := deps.runtime(cmd.Context(), OpenOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.Deduper().Merge(cmd.Context(), shipments.MergeRequest{
				FlagID:      flagID,
				CanonicalID: canonical,
				Note:        note,
				ResolvedBy:  by,
			})
			if err != nil {
				return err
			}
			return deps.render(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "Merged shipment %d into %d.\n", result.Flag.DuplicateShipmentID, result.Flag.CanonicalShipmentID)
				fmt.Fprintf(w, "  Links moved:       %d\n", result.LinksMoved)
				fmt.Fprintf(w, "  Fields backfilled: %d\n", len(result.FieldsBackfilled))
				fmt.Fprintf(w, "  State advanced:    %t\n", result.StateAdvanced)
				fmt.Fprintf(w, "  Duplicate deleted: %t\n", result.DuplicateDeleted)
			})
		},
	}

	cmd.Flags().Int64Var(&canonical, "canonical", 0, "Shipment to keep (default: the flag's canonical shipment)")
	cmd.Flags().StringVar(&note, "note", "", "Why the shipments are the same (required)")
	cmd.Flags().StringVar(&by, "by", "", "Who made the decision (required)")
	return cmd
}

func newDuplicatesDismissCommand(deps *Deps) *cobra.Command {
	var note, by string

	cmd := &cobra.Command{
		Use:   "dismiss <flag-id>",
		Short: "Mark a flag as not a duplicate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flagID, err := parseFlagID(args[0])
			if err != nil {
				return err
			}

			rt, err := deps.runtime(cmd.Context(), OpenOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			flag, err := rt.Deduper().Dismiss(cmd.Context(), flagID, note, by)
			if err != nil {
				return err
			}
			return deps.render(cmd.OutOrStdout(), flag, func(w io.Writer) {
				fmt.Fprintf(w, "Dismissed flag %d.\n", flag.ID)
			})
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "Why the shipments differ (required)")
	cmd.Flags().StringVar(&by, "by", "", "Who made the decision (required)")
	return cmd
}
