package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(c *cobra.Command, _ []string) {
		out := c.OutOrStdout()
		fmt.Fprintf(out, "stepflow %s\n", orUnknown(appVersion))
		fmt.Fprintf(out, "  commit: %s\n", orUnknown(appCommit))
		fmt.Fprintf(out, "  built:  %s\n", orUnknown(appDate))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
