package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information set by ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bottleneckd version %s\n", version)
		if version != "dev" {
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", buildDate)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
