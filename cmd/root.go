package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tokenward/pkg/oauth"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates there is no usable session; log in again.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the authorization server rejected the flow.
	ExitCodeAuthFailed = 3
)

var version = "dev"

// SetVersion sets the version reported by `tokenward version`.
// It is called from the main package to inject the build version.
func SetVersion(v string) {
	version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return version
}

// globalOptions holds the persistent flags shared by all commands.
type globalOptions struct {
	configPath string
	logLevel   string
	quiet      bool
}

// newRootCmd builds the command tree. A fresh tree per call keeps flag
// state from leaking between invocations in tests.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "tokenward",
		Short: "Keycloak login and token lifecycle for local tools",
		Long: `tokenward logs you in to a Keycloak realm with the authorization code
flow and PKCE, keeps the resulting tokens fresh and attaches them to
outgoing API requests.

Use "tokenward auth login" to sign in, "tokenward call" for a single
authenticated request, or "tokenward serve" to run a local proxy that
authenticates everything sent to it.`,
		// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
		SilenceUsage: true,
		Version:      version,
	}
	rootCmd.SetVersionTemplate(`{{printf "tokenward version %s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config-path", "", "Configuration directory (default ~/.config/tokenward)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (env: LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress non-essential output")

	rootCmd.AddCommand(newAuthCmd(opts))
	rootCmd.AddCommand(newCallCmd(opts))
	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Execute is the main entry point for the CLI application.
// It is called by main.main().
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}

	if errors.Is(err, oauth.ErrAuthRequired) {
		return ExitCodeAuthRequired
	}

	// A rejected refresh token means the session is gone.
	var refreshErr *oauth.AuthRefreshError
	if errors.As(err, &refreshErr) {
		if refreshErr.Revoked() {
			return ExitCodeAuthRequired
		}
		return ExitCodeAuthFailed
	}

	var exchangeErr *oauth.AuthExchangeError
	var mismatchErr *oauth.AuthStateMismatchError
	if errors.As(err, &exchangeErr) || errors.As(err, &mismatchErr) {
		return ExitCodeAuthFailed
	}

	return ExitCodeError
}
