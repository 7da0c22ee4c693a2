package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"tokenward/internal/auth"
	"tokenward/pkg/oauth"
)

// loginOptions holds the flags of `auth login`.
type loginOptions struct {
	locale    string
	noBrowser bool
}

func newAuthLoginCmd(opts *globalOptions) *cobra.Command {
	loginOpts := &loginOptions{}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the Keycloak realm",
		Long: `Log in with the authorization code flow and PKCE.

By default a temporary listener is started on the configured redirect URI
and the login page is opened in the browser. With --no-browser the login URL
is printed instead, and the URL the browser lands on can be pasted back.

Examples:
  tokenward auth login
  tokenward auth login --locale de
  tokenward auth login --no-browser`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogin(cmd, opts, loginOpts)
		},
	}

	cmd.Flags().StringVar(&loginOpts.locale, "locale", "", "Language of the login page, e.g. en or de")
	cmd.Flags().BoolVar(&loginOpts.noBrowser, "no-browser", false, "Print the login URL and read the redirect URL from the terminal")
	return cmd
}

func runAuthLogin(cmd *cobra.Command, opts *globalOptions, loginOpts *loginOptions) error {
	rt, err := opts.loadRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.Auth.LoginTimeout)
	defer cancel()

	var ts *oauth.TokenSet
	if loginOpts.noBrowser {
		ts, err = loginWithPaste(ctx, cmd, rt, loginOpts.locale)
	} else {
		ts, err = loginWithCallbackServer(ctx, cmd, opts, rt, loginOpts.locale)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			if abandonErr := rt.session.AbandonLogin(context.WithoutCancel(ctx)); abandonErr != nil {
				return fmt.Errorf("login aborted: %w (and the pending login could not be discarded: %v)", err, abandonErr)
			}
			return fmt.Errorf("login aborted: %w", err)
		}
		return err
	}

	printLoginSuccess(cmd.OutOrStdout(), opts, rt, ts)
	return nil
}

// loginWithCallbackServer serves the redirect URI locally and waits for the
// browser to come back to it.
func loginWithCallbackServer(ctx context.Context, cmd *cobra.Command, opts *globalOptions, rt *runtime, locale string) (*oauth.TokenSet, error) {
	callback, err := auth.NewCallbackServer(rt.cfg.Auth.RedirectURI, rt.session.CompleteCallback)
	if err != nil {
		return nil, fmt.Errorf("%w; use --no-browser for this redirect URI", err)
	}
	if _, err := callback.Start(ctx); err != nil {
		return nil, err
	}
	defer callback.Stop()

	loginURL, err := rt.session.Login(ctx, locale)
	if err != nil {
		return nil, err
	}

	p := printer{out: cmd.OutOrStdout(), quiet: opts.quiet}
	if err := auth.OpenBrowser(loginURL); err != nil {
		p.Println("Could not open a browser. Open this URL to log in:")
	} else {
		p.Println("Opening the login page in your browser. If it does not open, use this URL:")
	}
	fmt.Fprintln(cmd.OutOrStdout(), loginURL)

	if opts.quiet {
		return callback.Wait(ctx)
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
	s.Suffix = " Waiting for the browser login to complete..."
	s.Start()
	ts, err := callback.Wait(ctx)
	if err != nil {
		s.FinalMSG = text.FgRed.Sprint("Login failed") + "\n"
	}
	s.Stop()
	return ts, err
}

// loginWithPaste prints the login URL and reads the final redirect URL back
// from the terminal.
func loginWithPaste(ctx context.Context, cmd *cobra.Command, rt *runtime, locale string) (*oauth.TokenSet, error) {
	loginURL, err := rt.session.Login(ctx, locale)
	if err != nil {
		return nil, err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Open this URL in a browser and log in:")
	fmt.Fprintln(out, loginURL)
	fmt.Fprintln(out)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "Paste the URL you were redirected to: ",
		InterruptPrompt: "^C",
		Stdin:           io.NopCloser(cmd.InOrStdin()),
		Stdout:          out,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer rl.Close()

	type result struct {
		line string
		err  error
	}
	lines := make(chan result, 1)
	go func() {
		line, err := rl.Readline()
		lines <- result{line, err}
	}()

	var line string
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-lines:
		if errors.Is(res.err, readline.ErrInterrupt) || errors.Is(res.err, io.EOF) {
			return nil, context.Canceled
		}
		if res.err != nil {
			return nil, res.err
		}
		line = strings.TrimSpace(res.line)
	}

	query, err := parseCallbackURL(line)
	if err != nil {
		return nil, err
	}
	return rt.session.CompleteCallback(ctx, query)
}

func newAuthCompleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <redirect-url>",
		Short: "Finish a pending login with the URL the browser was redirected to",
		Long: `Finish a login started with "tokenward auth login" or "GET /auth/login".

Useful when the redirect URI is not served on this machine: copy the URL
from the browser's address bar after logging in and pass it here.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.loadRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			query, err := parseCallbackURL(args[0])
			if err != nil {
				return err
			}
			ts, err := rt.session.CompleteCallback(cmd.Context(), query)
			if err != nil {
				return err
			}
			printLoginSuccess(cmd.OutOrStdout(), opts, rt, ts)
			return nil
		},
	}
}

func printLoginSuccess(out io.Writer, opts *globalOptions, rt *runtime, ts *oauth.TokenSet) {
	p := printer{out: out, quiet: opts.quiet}
	if id := oauth.IdentityFromTokenSet(ts, rt.cfg.RoleNames()); id != nil {
		p.Printf("%s Logged in as %s\n", text.FgGreen.Sprint("✓"), id.PreferredUsername)
		return
	}
	p.Printf("%s Logged in\n", text.FgGreen.Sprint("✓"))
}
