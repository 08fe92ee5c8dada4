package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "bottleneckd",
	Short: "Serialized compute daemon",
	Long: `bottleneckd runs named single-worker executors whose compute hooks
are Lua scripts, and exposes them over an HTTP request/poll/cancel API.

Every request submitted to an executor is handled on that executor's
one worker goroutine, so scripts never need locking. Callers receive a
token at submission and poll it until the script accepts or rejects
the request, or the caller cancels it.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "bottleneck.yaml", "path to the configuration file")
}
