package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "maestro",
		Short:         "Speech-to-speech assist pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file (defaults plus environment when empty)")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newAssistCommand())
	rootCmd.AddCommand(newConfigCommand(&configPath))

	return rootCmd
}
