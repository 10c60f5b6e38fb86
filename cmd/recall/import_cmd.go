package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"recall/internal/app"
	"recall/internal/config"
	"recall/internal/scan"
)

func newImportCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Import every file under a directory",
		Long: "Import every file under a directory. A file named <name>" + scan.SidecarSuffix +
			" next to a file supplies its asset role, purpose, link and metadata.",
		Args: requireExactlyArgs(1, "directory is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			root := args[0]
			return withApp(ctx, cfg, func(a *app.App) error {
				res, err := a.Importer.Import(ctx, scan.Dir{Root: root})
				if err != nil {
					return err
				}
				if err := writeScanResult(res, *jsonOutput); err != nil {
					return err
				}
				if !watch {
					return nil
				}

				slog.Info("watching for changes", "dir", root)
				return a.Watcher(root, func(res scan.ScanResult) {
					_ = writeScanResult(res, *jsonOutput)
				}).Run(ctx)
			})
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep importing as files change")
	return cmd
}

func writeScanResult(res scan.ScanResult, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(res)
	}
	if err := writePlain("added %d, existing %d, errors %d\n", res.Added, res.Existing, len(res.Errors)); err != nil {
		return err
	}
	for _, e := range res.Errors {
		if err := writePlain("  %s: %s\n", e.Path, e.Error); err != nil {
			return err
		}
	}
	return nil
}
