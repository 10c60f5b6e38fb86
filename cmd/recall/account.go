package main

import (
	"os"

	"github.com/spf13/cobra"

	"recall/internal/app"
	"recall/internal/config"
)

func newSignInCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var username string
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in to the relay, moving guest data into the account",
		Long: "Sign in to the relay. The first sign-in with a username creates the account and " +
			"uploads local guest data; signing in to an existing account replaces guest data " +
			"with the account's data.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if username != "" {
				cfg.Username = username
			}
			password := os.Getenv(app.PasswordEnvKey)
			if passwordStdin {
				var err error
				if password, err = readPassword(os.Stdin); err != nil {
					return err
				}
			}

			a, err := app.Open(ctx, cfg, app.Options{Password: password})
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.Accounts.SignIn(ctx)
			if err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSON(report)
			}
			return writePlain("signed in as %s (%s, %d records moved)\n",
				report.Identity.AccountID, report.Outcome, report.Reowned)
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "account username (default from config)")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	return cmd
}

func newSignOutCmd(cfg *config.Config) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "signout",
		Short: "Sign out and clear local account data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, cfg, func(a *app.App) error {
				if err := a.Accounts.SignOut(ctx, force); err != nil {
					return err
				}
				return writePlain("signed out\n")
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "discard writes that have not been synced")
	return cmd
}
