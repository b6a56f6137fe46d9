package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szaher/chatflow/internal/config"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [config.yaml]",
		Short: "Validate a config file without starting the server",
		Long:  "Parse the config, compile every policy rule expression, and report the first problem found.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no config file given; pass a path or --config")
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d rules, %d experiments)\n",
				path, len(cfg.Rules), len(cfg.Experiments))
			return nil
		},
	}
}
