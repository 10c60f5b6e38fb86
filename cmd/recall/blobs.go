package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"recall/internal/app"
	"recall/internal/cas"
	"recall/internal/config"
	"recall/internal/models"
	"recall/internal/scan"
)

func newPutCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var mimeType string

	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Store a file in the content-addressed store",
		Args:  requireExactlyArgs(1, "file is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			file, err := scan.Describe(args[0])
			if err != nil {
				return err
			}
			if mimeType != "" {
				file.MimeType = mimeType
			}
			return withApp(ctx, cfg, func(a *app.App) error {
				fh, err := os.Open(file.Path)
				if err != nil {
					return err
				}
				defer fh.Close()
				blob, err := a.CAS.PutReader(ctx, fh, cas.BlobMeta{
					MimeType: file.MimeType,
					Filename: filepath.Base(file.Path),
				})
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(blob)
				}
				return writePlain("%s\n", blob.SHA256)
			})
		},
	}

	cmd.Flags().StringVar(&mimeType, "mime", "", "override the detected MIME type")
	return cmd
}

func newGetCmd(cfg *config.Config) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <digest>",
		Short: "Write stored bytes to stdout or a file",
		Args:  requireExactlyArgs(1, "digest is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, cfg, func(a *app.App) error {
				rc, err := a.CAS.Open(ctx, args[0])
				if err != nil {
					return err
				}
				defer rc.Close()

				var w io.Writer = os.Stdout
				if output != "" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				_, err = io.Copy(w, rc)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func newBlobsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blobs",
		Short: "Inspect stored blobs",
	}
	cmd.AddCommand(
		newBlobsLsCmd(cfg, jsonOutput),
		newBlobsCheckCmd(cfg, jsonOutput),
		newBlobsStatsCmd(cfg, jsonOutput),
		newBlobsRenameCmd(cfg, jsonOutput),
	)
	return cmd
}

func newBlobsLsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List blobs held on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, cfg, func(a *app.App) error {
				var blobs []models.Blob
				for blob, err := range a.CAS.List(ctx) {
					if err != nil {
						return err
					}
					blobs = append(blobs, blob)
				}
				if *jsonOutput {
					return writeJSON(blobs)
				}
				for _, b := range blobs {
					if err := writePlain("%s\n", formatBlobLine(b)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newBlobsCheckCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Re-hash held blobs and report damaged or missing files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, cfg, func(a *app.App) error {
				report, err := a.CheckBlobs(ctx)
				if err != nil {
					return err
				}
				if *jsonOutput {
					if err := writeJSON(report); err != nil {
						return err
					}
				} else if err := writeHealthReport(report); err != nil {
					return err
				}
				if report.Missing > 0 || report.Modified > 0 {
					return fmt.Errorf("%d blobs failed verification", report.Missing+report.Modified)
				}
				return nil
			})
		},
	}
}

func newBlobsStatsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show blob totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, cfg, func(a *app.App) error {
				stats, err := a.BlobStats(ctx)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(stats)
				}
				return writeBlobStats(stats)
			})
		},
	}
}

func newBlobsRenameCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <digest> <filename>",
		Short: "Change the catalog filename of a blob",
		Args:  requireExactlyArgs(2, "digest and filename are required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, cfg, func(a *app.App) error {
				blob, err := a.CAS.Rename(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(blob)
				}
				return writePlain("%s\n", formatBlobLine(blob))
			})
		},
	}
}
