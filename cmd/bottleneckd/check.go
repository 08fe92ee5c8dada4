package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentstation/bottleneck/config"
	"github.com/agentstation/bottleneck/script"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and scripts without serving",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		for tag, ec := range cfg.Executors {
			handler, err := script.Load(ec.Script)
			if err != nil {
				return fmt.Errorf("executor %q: %w", tag, err)
			}
			if err := handler.Init(); err != nil {
				return fmt.Errorf("executor %q: %w", tag, err)
			}
			handler.Shutdown()
			fmt.Printf("executor %q: %s ok\n", tag, ec.Script)
		}

		fmt.Printf("%d route(s), %d executor(s): configuration ok\n", len(cfg.Routes), len(cfg.Executors))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
