package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"

	"tokenward/internal/auth"
	"tokenward/internal/config"
	"tokenward/internal/storage"
	"tokenward/pkg/logging"
	"tokenward/pkg/oauth"
)

// runtime bundles what a command needs to act on the session.
type runtime struct {
	cfg     config.Config
	backend storage.Backend
	session *auth.Session
}

// Close releases the storage backend.
func (rt *runtime) Close() {
	if err := rt.backend.Close(); err != nil {
		logging.Debug("CLI", "Failed to close storage: %v", err)
	}
}

// loadRuntime loads the configuration, installs the logger and opens the session.
// The caller must Close the result.
func (o *globalOptions) loadRuntime(ctx context.Context) (*runtime, error) {
	configPath := o.configPath
	if configPath == "" {
		var err error
		if configPath, err = config.GetDefaultConfigPath(); err != nil {
			return nil, err
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := cfg.LoggingConfig()
	if o.logLevel != "" {
		level, err := logging.ParseLevel(o.logLevel)
		if err != nil {
			return nil, err
		}
		logCfg.Level = level
	}
	logCfg.Output = os.Stderr
	logging.Init(logCfg)

	backend, err := storage.Open(ctx, cfg.StorageOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}

	client, err := oauth.NewClient(cfg.ClientConfig(),
		oauth.WithHTTPClient(&http.Client{Timeout: cfg.Auth.HTTPTimeout}),
		oauth.WithLogger(logging.Logger("AuthClient")),
	)
	if err != nil {
		backend.Close()
		return nil, err
	}

	session, err := auth.NewSession(auth.Options{
		Client:                client,
		Backend:               backend,
		Policy:                cfg.ExpiryPolicy(),
		Scope:                 cfg.Auth.Scope,
		PostLogoutRedirectURI: cfg.Auth.PostLogoutRedirectURI,
		Roles:                 cfg.RoleNames(),
		RefreshTimeout:        cfg.Auth.RefreshTimeout,
		LoginTimeout:          cfg.Auth.LoginTimeout,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}

	return &runtime{cfg: cfg, backend: backend, session: session}, nil
}

// printer writes progress output unless --quiet is set.
type printer struct {
	out   io.Writer
	quiet bool
}

func (p printer) Printf(format string, args ...interface{}) {
	if !p.quiet {
		fmt.Fprintf(p.out, format, args...)
	}
}

func (p printer) Println(a ...interface{}) {
	if !p.quiet {
		fmt.Fprintln(p.out, a...)
	}
}

// parseCallbackURL returns the query of the URL the browser was redirected
// to after login. It must carry either a code and state or a provider error.
func parseCallbackURL(raw string) (url.Values, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URL: %w", err)
	}
	query := u.Query()
	if query.Get("error") != "" {
		return query, nil
	}
	if query.Get("code") == "" || query.Get("state") == "" {
		return nil, fmt.Errorf("redirect URL carries no code and state")
	}
	return query, nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "expired"
	}
	if d < time.Minute {
		return "< 1 minute"
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

// formatExpiryWithDirection formats an expiry relative to now, e.g.
// "in 5 minutes" or "expired 2 hours ago".
func formatExpiryWithDirection(expiresAt, now time.Time) string {
	if expiresAt.IsZero() {
		return "unknown"
	}
	remaining := expiresAt.Sub(now)
	if remaining > 0 {
		return "in " + formatDuration(remaining)
	}
	return text.FgYellow.Sprintf("expired %s ago", formatDuration(-remaining))
}
