// Package cmd implements the batchrelay CLI.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaylabs/batchrelay/internal/observability"
)

// versionInfo is populated by SetVersionInfo from build-time ldflags.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "batchrelay",
	Short: "Asynchronous batch-job orchestration adapter",
	Long: `batchrelay submits units of work to AWS Batch and tracks them across
repeated stateless invocations, coordinating concurrent callers through a
DynamoDB lease row per cache key.

The caller retries the same request until a terminal response comes back;
batchrelay itself never blocks waiting for job completion.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := observability.Init(logLevel)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
}

// SetVersionInfo records build metadata injected via ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	if version != "" {
		versionInfo.Version = version
	}
	if commit != "" {
		versionInfo.Commit = commit
	}
	if buildDate != "" {
		versionInfo.BuildDate = buildDate
	}
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
}

// Execute runs the CLI.
func Execute() error {
	defer observability.Sync()
	return rootCmd.Execute()
}
