package main

import (
	"sort"

	"github.com/spf13/cobra"

	"recall/internal/app"
	"recall/internal/config"
)

func newAssetsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Inspect assets bound to stored blobs",
	}
	cmd.AddCommand(newAssetsListCmd(cfg, jsonOutput), newAssetsDupesCmd(cfg, jsonOutput))
	return cmd
}

func newAssetsListCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, cfg, func(a *app.App) error {
				list, err := a.ListAssets(ctx, limit, offset)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(list)
				}
				for _, asset := range list {
					if err := writePlain("%s\n", formatAssetLine(asset)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum assets to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "assets to skip")
	return cmd
}

func newAssetsDupesCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "dupes",
		Short: "Report digests bound to more than one asset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, cfg, func(a *app.App) error {
				dupes, err := a.Binder.Duplicates(ctx)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(dupes)
				}
				digests := make([]string, 0, len(dupes))
				for d := range dupes {
					digests = append(digests, d)
				}
				sort.Strings(digests)
				for _, d := range digests {
					if err := writePlain("%s: %v\n", d, dupes[d]); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
