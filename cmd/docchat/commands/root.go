// Package commands defines all Cobra CLI commands for the docchat binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/caseworks/docchat-go/internal/audit"
	"github.com/caseworks/docchat-go/internal/config"
	"github.com/caseworks/docchat-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "docchat",
		Short: "docchat — conversational analysis of your uploaded documents",
		Long: `docchat is an AI assistant for working with document collections.

Upload PDFs, Office documents, or plain text into a conversation, then ask
questions about their content. Answers are grounded in retrieved passages
and cite the source files.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.docchat/config.yaml).
See 'docchat --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.docchat/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewIngestCmd(),
		NewSessionsCmd(),
		NewHistoryCmd(),
		NewRateCmd(),
		NewVersionCmd(),
	)

	return root
}
