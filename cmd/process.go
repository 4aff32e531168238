package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	fderrors "github.com/otherjamesbrown/freightdesk/pkg/errors"
	"github.com/otherjamesbrown/freightdesk/pkg/logging"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/mailfile"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/pipeline"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/store"
)

func newProcessCommand(deps *Deps) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "process <message-id>...",
		Short: "Run the resolution pipeline for stored messages",
		Long: `Run stored messages through direction, classification, extraction,
shipment resolution and workflow.

Processing is idempotent: running a message twice adds no rows and never
moves a shipment's state backward. A failed message does not stop the rest.

With --dry-run only direction, classification and extraction run, and
nothing is written.

Examples:
  freightdesk process msg-1842
  freightdesk process msg-1842 msg-1843 --output json
  freightdesk process msg-1842 --dry-run`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := deps.runtime(cmd.Context(), OpenOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			if dryRun {
				return runAnalyze(cmd.Context(), deps, rt, cmd.OutOrStdout(), args)
			}
			return runProcess(cmd.Context(), deps, rt, cmd.OutOrStdout(), args)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Analyze without writing anything")
	return cmd
}

func runProcess(ctx context.Context, deps *Deps, rt *Runtime, w io.Writer, ids []string) error {
	result, batchErr := rt.Engine.ProcessBatch(ctx, ids)
	if result == nil {
		return batchErr
	}

	if err := deps.render(w, result.Outcomes, func(w io.Writer) {
		printOutcomes(w, result.Outcomes)
	}); err != nil {
		return err
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d of %d message(s) failed: %w (%s)", result.Failed, len(ids), batchErr,
			fderrors.GetSuggestedAction(fderrors.CodeOf(batchErr)))
	}
	return batchErr
}

func runAnalyze(ctx context.Context, deps *Deps, rt *Runtime, w io.Writer, ids []string) error {
	analyses := make([]*pipeline.Analysis, 0, len(ids))
	for _, id := range ids {
		msg, err := rt.Store.Message(ctx, id)
		if err != nil {
			return fmt.Errorf("loading message %s: %w", id, err)
		}
		analyses = append(analyses, rt.Engine.Analyze(ctx, msg))
	}

	return deps.render(w, analyses, func(w io.Writer) {
		for i, a := range analyses {
			fmt.Fprintf(w, "%s\n", ids[i])
			fmt.Fprintf(w, "  direction:   %s via %s (party %s)\n", a.Direction.Direction, a.Direction.Method, orDash(a.Direction.TrueParty))
			fmt.Fprintf(w, "  document:    %s (%d%%, %s)\n", a.Classification.DocumentType, a.Classification.Confidence, a.Classification.Method)
			for _, id := range a.Identifiers {
				fmt.Fprintf(w, "  identifier:  %s = %s\n", id.Kind, id.Value)
			}
			if a.Review != nil {
				fmt.Fprintf(w, "  review:      %s\n", a.Review.Reason)
			}
		}
	})
}

func printOutcomes(w io.Writer, outcomes []*resolution.Outcome) {
	fmt.Fprintf(w, "%-24s %-15s %-22s %-9s %-22s %s\n", "MESSAGE", "STATUS", "DOCUMENT", "SHIPMENT", "STATE", "NOTE")
	for _, o := range outcomes {
		shipment := "-"
		if o.ShipmentID != 0 {
			shipment = fmt.Sprintf("%d", o.ShipmentID)
			if o.ShipmentCreated {
				shipment += "*"
			}
		}
		note := string(o.OrphanReason)
		if len(o.Errors) > 0 {
			note = strings.Join(o.Errors, "; ")
		}
		fmt.Fprintf(w, "%-24s %-15s %-22s %-9s %-22s %s\n",
			o.MessageID, o.Status, o.DocumentType, shipment, orDash(o.WorkflowState), note)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newResolveFileCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve-file <file>",
		Short: "Resolve messages from a JSON or .eml file without a database",
		Long: `Run the full pipeline over messages read from a file, using an
in-memory store. Nothing is written to a database, so it is safe for
trying rulebook changes.

A .eml file is parsed as a single RFC 5322 message. Any other file holds
one message object or an array of them, in received order:

  {"id": "m1", "sender_address": "noreply@maersk.com", "sender_name": "Maersk",
   "subject": "Booking Confirmation 262112345", "body": "...",
   "received_at": "2025-12-01T09:00:00Z"}

Examples:
  freightdesk resolve-file ./samples/booking.json
  freightdesk resolve-file ./samples/thread.json --output json
  freightdesk resolve-file ./inbox/arrival-notice.eml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := readMessages(args[0], deps.Logger)
			if err != nil {
				return err
			}
			return runResolveFile(cmd.Context(), deps, cmd.OutOrStdout(), msgs)
		},
	}
}

func readMessages(path string, logger logging.Logger) ([]resolution.Message, error) {
	if strings.EqualFold(filepath.Ext(path), ".eml") {
		res, err := mailfile.ParseFile(path, mailfile.Options{})
		if err != nil {
			return nil, err
		}
		for _, w := range res.Warnings {
			logger.Warn("eml parse warning", logging.F("path", path), logging.F("warning", w))
		}
		return []resolution.Message{*res.Message}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	data = bytes.TrimSpace(data)

	var msgs []resolution.Message
	if bytes.HasPrefix(data, []byte("[")) {
		err = json.Unmarshal(data, &msgs)
	} else {
		var msg resolution.Message
		err = json.Unmarshal(data, &msg)
		msgs = append(msgs, msg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for i, m := range msgs {
		if m.ID == "" {
			return nil, fmt.Errorf("message %d in %s has no id", i+1, path)
		}
	}
	return msgs, nil
}

// ResolveFileResult is the output of resolve-file.
type ResolveFileResult struct {
	Outcomes  []*resolution.Outcome `json:"outcomes" yaml:"outcomes"`
	Shipments []resolution.Shipment `json:"shipments" yaml:"shipments"`
}

func runResolveFile(ctx context.Context, deps *Deps, w io.Writer, msgs []resolution.Message) error {
	creds, err := deps.credentials()
	if err != nil {
		return err
	}
	mem := store.NewMemory()
	rt, err := NewMemoryRuntime(deps.Config, deps.Logger, mem, creds)
	if err != nil {
		return err
	}
	defer rt.Close()

	result := ResolveFileResult{}
	failed := 0
	for i := range msgs {
		msg := &msgs[i]
		if err := mem.SaveMessage(ctx, msg); err != nil {
			return err
		}
		out, err := rt.Engine.ProcessMessage(ctx, msg)
		if out != nil {
			result.Outcomes = append(result.Outcomes, out)
		}
		if err != nil {
			failed++
		}
	}

	shipments, err := mem.ListShipments(ctx, 0, len(msgs)+1)
	if err != nil {
		return err
	}
	result.Shipments = shipments

	if err := deps.render(w, result, func(w io.Writer) {
		printOutcomes(w, result.Outcomes)
		if len(result.Shipments) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintf(w, "%-9s %-20s %-10s %s\n", "SHIPMENT", "BOOKING", "CARRIER", "STATE")
			for _, s := range result.Shipments {
				fmt.Fprintf(w, "%-9d %-20s %-10s %s\n", s.ID, s.BookingNumber, orDash(s.CarrierID), orDash(s.WorkflowState))
			}
		}
	}); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d message(s) failed", failed, len(msgs))
	}
	return nil
}
