package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/maestro/internal/config"
)

func newConfigCommand(configPath *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigCheckCommand(configPath))
	configCmd.AddCommand(newConfigPrintCommand(configPath))

	return configCmd
}

func newConfigCheckCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and show the effective stage setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printStartupSummary(out, cfg)
			fmt.Fprintln(out, "configuration OK")
			return nil
		},
	}
}

func newConfigPrintCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration with defaults and environment applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			redactKeys(cfg)
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

// redactKeys masks every API key in cfg.
func redactKeys(cfg *config.Config) {
	for _, e := range []*config.StageEntry{&cfg.Stages.Transcribe, &cfg.Stages.Generate, &cfg.Stages.Synthesize} {
		mask(&e.APIKey)
		for i := range e.Fallbacks {
			mask(&e.Fallbacks[i].APIKey)
		}
	}
}

func mask(s *string) {
	if *s != "" {
		*s = "***"
	}
}
