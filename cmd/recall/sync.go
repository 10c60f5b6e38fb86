package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"recall/internal/app"
	"recall/internal/config"
	"recall/internal/models"
	"recall/internal/reconcile"
	"recall/internal/writebuffer"
)

type syncResult struct {
	Flush  writebuffer.FlushReport   `json:"flush"`
	Pulled map[reconcile.Outcome]int `json:"pulled"`
}

func newSyncCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var once bool
	var watchDir string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push buffered writes and follow remote changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, cfg, func(a *app.App) error {
				if once {
					var res syncResult
					var err error
					if res.Flush, err = a.Reconciler.Flush(ctx); err != nil {
						return err
					}
					if res.Pulled, err = a.Reconciler.Pull(ctx); err != nil {
						return err
					}
					if *jsonOutput {
						return writeJSON(res)
					}
					return writePlain("sent %d (acked %d, duplicate %d, retried %d, dead %d), remaining %d; pulled %d applied, %d skipped, %d deferred\n",
						res.Flush.Sent, res.Flush.Acked, res.Flush.Duplicates, res.Flush.Retried, res.Flush.DeadLettered,
						res.Flush.Remaining, res.Pulled[reconcile.Applied], res.Pulled[reconcile.Skipped], res.Pulled[reconcile.Deferred])
				}

				unsubscribe := a.Hub.SubscribeEntities(func(et models.EntityType) {
					slog.Debug("local view changed", "entity_type", et)
				})
				defer unsubscribe()

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return a.Reconciler.Run(ctx) })
				if watchDir != "" {
					g.Go(func() error { return a.Watcher(watchDir, nil).Run(ctx) })
				}
				slog.Info("syncing", "remote", cfg.RemoteURL)
				return g.Wait()
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "flush and pull once, then exit")
	cmd.Flags().StringVar(&watchDir, "watch", "", "also import files changing under this directory")
	return cmd
}
