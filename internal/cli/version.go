package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show io-monitor version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "io-monitor %s\n", getVersion())
		fmt.Fprintf(cmd.OutOrStdout(), "Git Commit: %s\n", getGitCommit())
		fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", getBuildDate())
	},
}

// These are set with -ldflags at build time
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func getVersion() string   { return version }
func getGitCommit() string { return gitCommit }
func getBuildDate() string { return buildDate }
