package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"tokenward/internal/auth"
	"tokenward/internal/storage"
	"tokenward/pkg/logging"
	"tokenward/pkg/oauth"
)

func newAuthWhoamiCmd(opts *globalOptions) *cobra.Command {
	var (
		output string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current authenticated identity",
		Long: `Show the identity carried by the stored ID token.

With --watch the identity is printed again whenever the session file
changes, e.g. after a login or logout from another terminal. Watching needs
the file storage backend.

Examples:
  tokenward auth whoami
  tokenward auth whoami -o json
  tokenward auth whoami --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			render := func(ctx context.Context) error {
				return renderIdentity(out, rt.session.CurrentIdentity(ctx), output)
			}

			if !watch {
				if id := rt.session.CurrentIdentity(cmd.Context()); id == nil {
					return &oauth.AuthRequiredError{Reason: "not logged in"}
				}
				return render(cmd.Context())
			}

			fileBackend, ok := rt.backend.(*storage.FileBackend)
			if !ok {
				return fmt.Errorf("--watch needs the file storage backend, not %q", rt.cfg.Storage.Backend)
			}
			if err := render(cmd.Context()); err != nil {
				return err
			}
			return watchFile(cmd.Context(), fileBackend.Dir(), fileBackend.Path(auth.TokenSetKey), DefaultDebounceInterval, func() {
				fmt.Fprintln(out, "---")
				if err := render(cmd.Context()); err != nil {
					logging.Warn("Whoami", "Failed to render identity: %v", err)
				}
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format (table, json)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Print the identity again when the session changes")
	return cmd
}

func renderIdentity(out io.Writer, id *oauth.Identity, output string) error {
	switch output {
	case outputJSON:
		if id == nil {
			return writeJSON(out, map[string]bool{"authenticated": false})
		}
		return writeJSON(out, id)
	case outputTable:
		if id == nil {
			fmt.Fprintln(out, "Not logged in")
			return nil
		}
		fmt.Fprintf(out, "User:     %s\n", id.PreferredUsername)
		if id.Email != "" {
			fmt.Fprintf(out, "Email:    %s\n", id.Email)
		}
		if id.Subject != "" {
			fmt.Fprintf(out, "Subject:  %s\n", id.Subject)
		}
		fmt.Fprintf(out, "Roles:    %s\n", formatRoles(id))
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", output)
	}
}
