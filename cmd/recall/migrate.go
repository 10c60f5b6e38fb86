package main

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"recall/internal/config"
	"recall/internal/store"

	_ "modernc.org/sqlite"
)

func newMigrateCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var dryRun bool
	var relay bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run or inspect database schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, plan, open := cfg.DBPath, store.MigrationPlan, openLocal
			if relay {
				path, plan, open = cfg.Server.DBPath, store.RelayMigrationPlan, openRelay
			}

			if !dryRun {
				// Opening a store applies pending migrations.
				if err := open(path); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}

			db, err := openRawDB(path)
			if err != nil {
				return err
			}
			defer db.Close()

			status, err := plan(db)
			if err != nil {
				return fmt.Errorf("inspect migrations: %w", err)
			}
			if *jsonOutput {
				return writeJSON(status)
			}

			fmt.Printf("Current version: %d\n", status.CurrentVersion)
			fmt.Printf("Available version: %d\n", status.AvailableVersion)
			if len(status.Pending) == 0 {
				fmt.Println("No pending migrations.")
				return nil
			}
			fmt.Printf("Pending migrations: %d\n", len(status.Pending))
			for _, m := range status.Pending {
				fmt.Printf("  %d: %s\n", m.Version, m.Description)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show pending migrations without applying")
	cmd.Flags().BoolVar(&relay, "relay", false, "operate on the relay database")

	return cmd
}

func openLocal(path string) error {
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	return st.Close()
}

func openRelay(path string) error {
	r, err := store.OpenRelay(path)
	if err != nil {
		return err
	}
	return r.Close()
}

func openRawDB(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}
	u := url.URL{Scheme: "file", Path: path}
	return sql.Open("sqlite", u.String())
}
