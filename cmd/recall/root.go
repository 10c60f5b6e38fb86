package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"recall/internal/config"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var jsonOutput bool
	var logLevel string

	cmd := &cobra.Command{
		Use:           "recall",
		Short:         "Recall is a local-first document store that syncs across devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			warning, err := configureLoggerForCLI(logLevel, cfg.LogLevel)
			if err != nil {
				return err
			}
			if warning != "" {
				fmt.Fprintln(os.Stderr, warning)
			}
			return nil
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newSrvCmd(cfg),
		newMigrateCmd(cfg, &jsonOutput),
		newConfigCmd(cfg),
		newPutCmd(cfg, &jsonOutput),
		newGetCmd(cfg),
		newBlobsCmd(cfg, &jsonOutput),
		newAssetsCmd(cfg, &jsonOutput),
		newImportCmd(cfg, &jsonOutput),
		newSyncCmd(cfg, &jsonOutput),
		newBufferCmd(cfg, &jsonOutput),
		newDeadLettersCmd(cfg, &jsonOutput),
		newSignInCmd(cfg, &jsonOutput),
		newSignOutCmd(cfg),
		newStatusCmd(cfg, &jsonOutput),
	)

	return cmd
}
