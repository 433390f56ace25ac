package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information, overridden at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// VersionCmd returns the version command.
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print detailed version information including git commit and build date.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("adagate version %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
