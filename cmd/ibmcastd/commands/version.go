package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ibmcastd %s\n", info.Version)
			fmt.Fprintf(out, "  Commit: %s\n", info.Commit)
			fmt.Fprintf(out, "  Built:  %s\n", info.BuildDate)
		},
	}
}
