package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"tokenward/internal/auth"
	"tokenward/pkg/oauth"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

func newAuthStatusCmd(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show authentication status",
		Long: `Show the stored session: who is logged in, when the tokens expire and
whether a login is pending. Nothing is refreshed.

Examples:
  tokenward auth status
  tokenward auth status -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			st, err := rt.session.Status(cmd.Context())
			if err != nil {
				return err
			}

			switch output {
			case outputJSON:
				return writeJSON(cmd.OutOrStdout(), st)
			case outputTable:
				renderStatus(cmd.OutOrStdout(), rt, st)
				return nil
			default:
				return fmt.Errorf("unsupported output format %q", output)
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format (table, json)")
	return cmd
}

func renderStatus(out io.Writer, rt *runtime, st auth.Status) {
	now := rt.session.Policy().Now()

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{text.FgHiCyan.Sprint("KEY"), text.FgHiCyan.Sprint("VALUE")})

	state := text.FgRed.Sprint("Not authenticated")
	switch {
	case st.Authenticated && !st.AccessExpired:
		state = text.FgGreen.Sprint("Authenticated")
	case st.Authenticated:
		state = text.FgYellow.Sprint("Authenticated (refresh due)")
	}
	t.AppendRow(table.Row{"Status", state})
	t.AppendRow(table.Row{"Realm", rt.cfg.Auth.BaseURL})

	if st.Identity != nil {
		t.AppendRow(table.Row{"User", st.Identity.PreferredUsername})
		if st.Identity.Email != "" {
			t.AppendRow(table.Row{"Email", st.Identity.Email})
		}
		t.AppendRow(table.Row{"Roles", formatRoles(st.Identity)})
	}
	if !st.ObtainedAt.IsZero() {
		t.AppendRow(table.Row{"Obtained", st.ObtainedAt.Local().Format("2006-01-02 15:04:05")})
		t.AppendRow(table.Row{"Access token expires", formatExpiryWithDirection(st.AccessExpiresAt, now)})
		refresh := "with the SSO session"
		if !st.RefreshExpiresAt.IsZero() {
			refresh = formatExpiryWithDirection(st.RefreshExpiresAt, now)
		}
		t.AppendRow(table.Row{"Session expires", refresh})
	}
	t.AppendRow(table.Row{"Refresh", st.RefreshState})
	if st.PendingLogin {
		t.AppendRow(table.Row{"Pending login", "yes"})
	}
	t.AppendRow(table.Row{"Storage", rt.cfg.Storage.Backend})
	t.Render()
}

func formatRoles(id *oauth.Identity) string {
	if len(id.Roles) == 0 {
		return "-"
	}
	roles := strings.Join(id.Roles, ", ")
	switch {
	case id.IsAdmin:
		return roles + text.FgHiBlue.Sprint(" (admin)")
	case id.IsModerator:
		return roles + text.FgHiBlue.Sprint(" (moderator)")
	}
	return roles
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
