package main

import (
	"github.com/spf13/cobra"

	"recall/internal/app"
	"recall/internal/config"
	"recall/internal/models"
)

func newBufferCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "buffer",
		Short: "Inspect the write buffer",
	}
	ls := &cobra.Command{
		Use:   "ls",
		Short: "List writes waiting to be sent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, cfg, func(a *app.App) error {
				entries, err := a.Buffer.Pending(ctx, limit)
				if err != nil {
					return err
				}
				return writeEntries(entries, *jsonOutput)
			})
		},
	}
	ls.Flags().IntVar(&limit, "limit", 100, "maximum entries to list")
	cmd.AddCommand(ls)
	return cmd
}

func newDeadLettersCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dead"},
		Short:   "Inspect and resolve writes the remote rejected",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "ls",
			Short: "List dead-lettered writes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				return withApp(ctx, cfg, func(a *app.App) error {
					entries, err := a.Buffer.DeadLetters(ctx)
					if err != nil {
						return err
					}
					return writeEntries(entries, *jsonOutput)
				})
			},
		},
		&cobra.Command{
			Use:   "retry <sequence>",
			Short: "Return a dead-lettered write to the queue",
			Args:  requireSequenceArg,
			RunE: func(cmd *cobra.Command, args []string) error {
				seq, _ := parseSequence(args[0])
				return withApp(cmd.Context(), cfg, func(a *app.App) error {
					return a.Buffer.Retry(cmd.Context(), seq)
				})
			},
		},
		&cobra.Command{
			Use:   "discard <sequence>",
			Short: "Drop a dead-lettered write",
			Args:  requireSequenceArg,
			RunE: func(cmd *cobra.Command, args []string) error {
				seq, _ := parseSequence(args[0])
				return withApp(cmd.Context(), cfg, func(a *app.App) error {
					return a.Buffer.Discard(cmd.Context(), seq)
				})
			},
		},
	)
	return cmd
}

func writeEntries(entries []models.Entry, jsonOutput bool) error {
	if jsonOutput {
		if entries == nil {
			entries = []models.Entry{}
		}
		return writeJSON(entries)
	}
	for _, e := range entries {
		if err := writePlain("%s\n", formatEntryLine(e)); err != nil {
			return err
		}
	}
	return nil
}
