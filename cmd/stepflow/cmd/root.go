// Package cmd holds the stepflow command line.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/pitabwire/stepflow/internal/observability"
)

var (
	cfgFile string

	// Version info, set via SetVersion.
	appVersion = "dev"
	appCommit  = "unknown"
	appDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "stepflow",
	Short: "Step-record workflow server",
	Long: `stepflow serves step handlers that move records through a
multi-step business process. Every action arrives as a POST to
/{basePath}/{stepId}/index and mutations run in one transaction together
with any downstream steps they invoke.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion records build information for the version command, the
// health endpoint and tracing.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
	observability.Version = version
	observability.Commit = commit
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml",
		"path to configuration file")
}
