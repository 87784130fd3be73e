// Package cli implements the pades command line interface.
package cli

import (
	"fmt"

	"github.com/digitorus/pades/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globalOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand returns the pades command with all subcommands.
func NewRootCommand() *cobra.Command {
	g := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "pades",
		Short: "Sign and verify PDF documents with PAdES signatures",
		Long: `pades signs PDF documents with PAdES baseline signatures (B-B, B-T, B-LT and
B-LTA), extends signed documents with validation material and document
time-stamps, and verifies signatures.

Settings are read from a TOML or YAML configuration file, flags override the file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Configuration file (.toml or .yaml)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newSignCommand(g),
		newVerifyCommand(g),
		newProlongCommand(g),
		newPrepareCommand(g),
		newCompleteCommand(g),
	)
	return cmd
}

// Execute runs the root command with the process arguments.
func Execute() error {
	return NewRootCommand().Execute()
}

// setup reads the configuration file when one is given, applies the
// command flags and returns the validated configuration with its logger.
func (g *globalOptions) setup(apply func(cfg *config.Config)) (*config.Config, *zap.Logger, error) {
	cfg := &config.Config{}
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return nil, nil, err
		}
	}
	if apply != nil {
		apply(cfg)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if err := cfg.ValidateFields(); err != nil {
		return nil, nil, fmt.Errorf("config is not valid: %w", err)
	}

	log, err := cfg.Logger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
