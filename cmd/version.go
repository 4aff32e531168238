package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/freightdesk/pkg/buildinfo"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/rules"
	"github.com/otherjamesbrown/freightdesk/pkg/resolution/server"
)

func newVersionCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rulesVersion string
			if rb, err := rules.Default(); err == nil {
				rulesVersion = rb.Version
			}
			info := buildinfo.WithRules(server.ServiceName, rulesVersion)
			return deps.render(cmd.OutOrStdout(), info, func(w io.Writer) {
				fmt.Fprintf(w, "freightdesk %s\n", buildinfo.String())
				fmt.Fprintf(w, "  Go:                %s\n", info.GoVersion)
				fmt.Fprintf(w, "  Embedded rulebook: %s\n", orDash(info.RulesVersion))
			})
		},
	}
}
