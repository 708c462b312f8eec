package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateRegistryCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-registry",
		Short: "Resolve the configured model registry and report what would be served, without starting the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			reg, err := resolveRegistry(cfg)
			if err != nil {
				return err
			}
			entry := reg.Default()
			fmt.Fprintf(cmd.OutOrStdout(), "model_id:       %s\n", entry.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "path:           %s\n", entry.Path)
			fmt.Fprintf(cmd.OutOrStdout(), "family:         %s\n", entry.Family)
			fmt.Fprintf(cmd.OutOrStdout(), "context_window: %d\n", entry.ContextWindow)
			fmt.Fprintf(cmd.OutOrStdout(), "stop_sequences: %v\n", entry.StopSequences)
			fmt.Fprintf(cmd.OutOrStdout(), "defaults:       %+v\n", entry.Defaults)
			return nil
		},
	}
}
