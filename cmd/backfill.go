package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/backfill"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/queue"
)

func newBackfillCommand(deps *Deps) *cobra.Command {
	var (
		resume      bool
		enqueue     bool
		pageSize    int
		concurrency int
		checkpoint  string
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Resolve every stored message in received order",
		Long: `Walk all stored messages oldest first and run each through the pipeline.

Progress is checkpointed after every page, so an interrupted backfill can
continue with --resume. Messages within a page run concurrently, but no two
messages for the same booking run at once.

With --enqueue the messages are handed to the service's workers at low
priority instead of being processed here.

Examples:
  freightdesk backfill
  freightdesk backfill --resume
  freightdesk backfill --enqueue --page-size 500
  freightdesk backfill --checkpoint rules-2026-01 --concurrency 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config.Backfill.Runner()
			if cmd.Flags().Changed("page-size") {
				cfg.PageSize = pageSize
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Concurrency = concurrency
			}
			if checkpoint != "" {
				cfg.CheckpointName = checkpoint
			}
			if cfg.PageSize <= 0 || cfg.Concurrency <= 0 {
				return fmt.Errorf("--page-size and --concurrency must be positive")
			}
			return runBackfill(cmd.Context(), deps, cmd.OutOrStdout(), cfg, resume, enqueue)
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "Continue from the saved checkpoint")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "Queue messages for the service instead of processing them here")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Messages per page (default from config)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Messages processed at once (default from config)")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "Checkpoint name (default from config)")
	return cmd
}

func runBackfill(ctx context.Context, deps *Deps, w io.Writer, cfg backfill.Config, resume, enqueue bool) error {
	rt, err := deps.runtime(ctx, OpenOptions{Redis: enqueue})
	if err != nil {
		return err
	}
	defer rt.Close()

	var opts []backfill.Option
	if enqueue {
		q := queue.NewRedisQueue(rt.Redis, deps.Config.Workers.QueueConfig(), queue.WithLogger(rt.Logger))
		opts = append(opts, backfill.WithEnqueuer(q))
	}

	report, runErr := rt.Backfill(cfg, opts...).Run(ctx, resume)
	if report == nil {
		return runErr
	}
	if err := deps.render(w, report, func(w io.Writer) {
		printBackfillReport(w, report)
	}); err != nil {
		return err
	}
	return runErr
}

func printBackfillReport(w io.Writer, r *backfill.Report) {
	state := "interrupted"
	if r.Completed {
		state = "completed"
	}
	resumed := ""
	if r.Resumed {
		resumed = ", resumed"
	}
	fmt.Fprintf(w, "Backfill %q %s%s\n", r.Checkpoint, state, resumed)
	fmt.Fprintf(w, "  Pages:      %d\n", r.Pages)
	if r.Enqueued > 0 {
		fmt.Fprintf(w, "  Enqueued:   %d\n", r.Enqueued)
	}
	fmt.Fprintf(w, "  Processed:  %d\n", r.Processed)
	fmt.Fprintf(w, "  Failed:     %d\n", r.Failed)

	statuses := make([]string, 0, len(r.Statuses))
	for s := range r.Statuses {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "    %-16s %d\n", s, r.Statuses[resolution.OutcomeStatus(s)])
	}
}

func newSweepCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Retry messages that could not be linked",
	}

	var limit int
	orphans := &cobra.Command{
		Use:   "orphans",
		Short: "Re-run unlinked messages against the current shipments",
		Long: `Re-run orphaned messages. A message is orphaned when it carried no
identifiers or referenced a booking no shipment exists for yet. Once the
booking confirmation arrives, a sweep links the earlier messages.

Least recently attempted orphans go first.

Examples:
  freightdesk sweep orphans
  freightdesk sweep orphans --limit 1000 -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			rt, err := deps.runtime(cmd.Context(), OpenOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.Backfill(deps.Config.Backfill.Runner()).SweepOrphans(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return deps.render(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "Swept %d orphan(s): %d linked, %d still orphaned, %d failed\n",
					report.Attempted, report.Resolved, report.Orphaned, report.Failed)
			})
		},
	}
	orphans.Flags().IntVar(&limit, "limit", 500, "Maximum orphans to retry")

	cmd.AddCommand(orphans)
	return cmd
}
