package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/freightdesk/pkg/resolution/rules"
)

func newRulesCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Validate and inspect the rulebook",
		Long: `The rulebook holds every pattern the engine uses: own domains, forward
markers, carriers, classification rules, extraction fields, booking
normalization and the workflow states.

Without rules.path in the config the embedded default rulebook is used.

Examples:
  freightdesk rules validate ./rules.yaml
  freightdesk rules show
  freightdesk rules show -o yaml > rules.yaml`,
	}

	cmd.AddCommand(newRulesValidateCommand(deps), newRulesShowCommand(deps))
	return cmd
}

// loadRulebook loads path, the configured path or the embedded default.
func (d *Deps) loadRulebook(path string) (*rules.Rulebook, string, error) {
	if path == "" {
		path = d.Config.Rules.Path
	}
	if path == "" {
		rb, err := rules.Default()
		return rb, "embedded default", err
	}
	rb, err := rules.Load(path)
	return rb, path, err
}

// RulebookSummary is the text and machine-readable result of rules validate.
type RulebookSummary struct {
	Source          string `json:"source" yaml:"source"`
	Version         string `json:"version" yaml:"version"`
	OwnDomains      int    `json:"own_domains" yaml:"own_domains"`
	Carriers        int    `json:"carriers" yaml:"carriers"`
	ClassRules      int    `json:"class_rules" yaml:"class_rules"`
	ExtractionRules int    `json:"extraction_rules" yaml:"extraction_rules"`
	WorkflowStates  int    `json:"workflow_states" yaml:"workflow_states"`
}

func summarize(source string, rb *rules.Rulebook) RulebookSummary {
	return RulebookSummary{
		Source:          source,
		Version:         rb.Version,
		OwnDomains:      len(rb.Direction.OwnDomains),
		Carriers:        len(rb.Carriers),
		ClassRules:      len(rb.ClassRules()),
		ExtractionRules: len(rb.Fields()),
		WorkflowStates:  len(rb.States()),
	}
}

func printSummary(w io.Writer, s RulebookSummary) {
	fmt.Fprintf(w, "Rulebook %s (%s)\n", s.Version, s.Source)
	fmt.Fprintf(w, "  Own domains:       %d\n", s.OwnDomains)
	fmt.Fprintf(w, "  Carriers:          %d\n", s.Carriers)
	fmt.Fprintf(w, "  Class rules:       %d\n", s.ClassRules)
	fmt.Fprintf(w, "  Extraction rules:  %d\n", s.ExtractionRules)
	fmt.Fprintf(w, "  Workflow states:   %d\n", s.WorkflowStates)
}

func newRulesValidateCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Compile a rulebook and report problems",
		Long: `Compile every pattern and check the workflow graph. A rulebook that fails
here would be rejected by a running service's hot reload.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			rb, source, err := deps.loadRulebook(path)
			if err != nil {
				return fmt.Errorf("rulebook %s is invalid: %w", source, err)
			}
			summary := summarize(source, rb)
			return deps.render(cmd.OutOrStdout(), summary, func(w io.Writer) {
				printSummary(w, summary)
				fmt.Fprintln(w, "OK")
			})
		},
	}
}

func newRulesShowCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "show [path]",
		Short: "Show the active rulebook",
		Long: `Show the rulebook the engine would use. Text output lists carriers and
workflow states; json and yaml output print the full rulebook.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			rb, source, err := deps.loadRulebook(path)
			if err != nil {
				return err
			}
			return deps.render(cmd.OutOrStdout(), rb, func(w io.Writer) {
				printSummary(w, summarize(source, rb))

				fmt.Fprintln(w)
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "CARRIER\tNAME\tDOMAINS")
				for _, c := range rb.Carriers {
					fmt.Fprintf(tw, "%s\t%s\t%d\n", c.ID, c.Name, len(c.Domains))
				}
				tw.Flush()

				fmt.Fprintln(w)
				tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ORDER\tSTATE\tPHASE")
				for _, s := range rb.States() {
					fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Order, s.Name, s.Phase)
				}
				tw.Flush()
			})
		},
	}
}
