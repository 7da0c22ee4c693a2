package config

import (
	"path/filepath"
	"time"

	"tokenward/internal/storage"
	"tokenward/pkg/oauth"
)

const (
	// DefaultRedirectURI is served by the loopback callback listener of `auth login`.
	DefaultRedirectURI = "http://localhost:3000/callback"

	// DefaultListen is the address of `tokenward serve`.
	DefaultListen = "127.0.0.1:8080"

	// DefaultAPIPrefix is the path prefix the proxy forwards upstream.
	DefaultAPIPrefix = "/api/"
)

// GetDefaultConfig returns the defaults for a configuration directory.
// The file backend keeps its records in <configDir>/state.
func GetDefaultConfig(configDir string) Config {
	return Config{
		Auth: AuthConfig{
			RedirectURI:    DefaultRedirectURI,
			Scope:          "openid profile email",
			ExpiryBuffer:   oauth.DefaultExpiryBuffer,
			ClockSkew:      oauth.DefaultClockSkew,
			RefreshTimeout: 30 * time.Second,
			LoginTimeout:   10 * time.Minute,
			HTTPTimeout:    30 * time.Second,
			AdminRole:      oauth.DefaultAdminRole,
			ModeratorRole:  oauth.DefaultModeratorRole,
		},
		Storage: StorageConfig{
			Backend: storage.BackendFile,
			Dir:     filepath.Join(configDir, "state"),
		},
		Server: ServerConfig{
			Listen:    DefaultListen,
			APIPrefix: DefaultAPIPrefix,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
