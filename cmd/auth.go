package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// newAuthCmd creates the auth command group.
func newAuthCmd(opts *globalOptions) *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the Keycloak session",
		Long: `Manage the Keycloak session used by tokenward.

Examples:
  tokenward auth login                 # Login in the browser
  tokenward auth login --no-browser    # Print the URL and paste the redirect back
  tokenward auth complete <url>        # Finish a login started elsewhere
  tokenward auth status                # Show session state
  tokenward auth whoami --watch        # Show the identity and follow changes
  tokenward auth refresh               # Force token refresh
  tokenward auth logout                # Clear the session`,
	}

	authCmd.AddCommand(newAuthLoginCmd(opts))
	authCmd.AddCommand(newAuthCompleteCmd(opts))
	authCmd.AddCommand(newAuthLogoutCmd(opts))
	authCmd.AddCommand(newAuthRefreshCmd(opts))
	authCmd.AddCommand(newAuthStatusCmd(opts))
	authCmd.AddCommand(newAuthWhoamiCmd(opts))
	return authCmd
}

func newAuthLogoutCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear stored authentication tokens",
		Long: `Clear the stored tokens and print the Keycloak logout URL.

Opening the URL ends the single sign-on session in the browser as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			logoutURL, err := rt.session.Logout(cmd.Context(), "")
			if err != nil {
				return fmt.Errorf("failed to clear session: %w", err)
			}

			p := printer{out: cmd.OutOrStdout(), quiet: opts.quiet}
			p.Println("Logged out locally.")
			p.Println("To end the browser session as well, open:")
			fmt.Fprintln(cmd.OutOrStdout(), logoutURL)
			return nil
		},
	}
}

func newAuthRefreshCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Force token refresh",
		Long: `Refresh the access token now, regardless of its expiry.

A rejected refresh token clears the session; log in again afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			ts, err := rt.session.ForceRefresh(cmd.Context())
			if err != nil {
				return err
			}

			p := printer{out: cmd.OutOrStdout(), quiet: opts.quiet}
			exp, _ := ts.AccessTokenExpiry()
			p.Printf("%s Token refreshed, expires %s\n", text.FgGreen.Sprint("✓"), formatExpiryWithDirection(exp, rt.session.Policy().Now()))
			return nil
		},
	}
}
