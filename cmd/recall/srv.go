package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"recall/internal/config"
	"recall/internal/server"
	"recall/internal/store"
)

func newSrvCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "srv",
		Short: "Run the recall sync relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg == nil {
				return fmt.Errorf("config not initialized")
			}
			if cfg.Server.DBPath == "" {
				return fmt.Errorf("relay db path is required")
			}

			logger := slog.Default().With("component", "server")

			addr, err := server.ListenAddr(cfg.Server.ListenURL)
			if err != nil {
				return err
			}

			logger.Info("opening relay database", "path", cfg.Server.DBPath)
			relay, err := store.OpenRelay(cfg.Server.DBPath)
			if err != nil {
				return err
			}
			defer relay.Close()

			srv := server.New(addr, relay, server.Options{Logger: logger})
			return srv.ListenAndServe(cmd.Context())
		},
	}
}
