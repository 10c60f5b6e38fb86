package main

import (
	"github.com/spf13/cobra"

	"recall/internal/app"
	"recall/internal/config"
)

func newStatusCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show account state and sync progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, cfg, func(a *app.App) error {
				status, err := a.Status(ctx)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(status)
				}
				return writeStatus(status)
			})
		},
	}
}
