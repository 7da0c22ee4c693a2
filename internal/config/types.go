package config

import (
	"time"

	"tokenward/internal/storage"
	"tokenward/pkg/logging"
	"tokenward/pkg/oauth"
)

// Config is the top-level configuration structure for tokenward.
type Config struct {
	Auth    AuthConfig    `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// AuthConfig describes the Keycloak realm and the session policy.
type AuthConfig struct {
	BaseURL               string `yaml:"base_url"`     // Realm URL, e.g. https://sso.example.com/realms/catalog
	ClientID              string `yaml:"client_id"`    // Public client registered in the realm
	RedirectURI           string `yaml:"redirect_uri"` // Where Keycloak sends the browser after login
	PostLogoutRedirectURI string `yaml:"post_logout_redirect_uri,omitempty"`
	Scope                 string `yaml:"scope,omitempty"`

	ExpiryBuffer   time.Duration `yaml:"expiry_buffer,omitempty"`
	ClockSkew      time.Duration `yaml:"clock_skew,omitempty"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout,omitempty"`
	LoginTimeout   time.Duration `yaml:"login_timeout,omitempty"`
	HTTPTimeout    time.Duration `yaml:"http_timeout,omitempty"` // Timeout of a single call to Keycloak

	AdminRole     string `yaml:"admin_role,omitempty"`
	ModeratorRole string `yaml:"moderator_role,omitempty"`
}

// StorageConfig selects where the session is persisted.
type StorageConfig struct {
	Backend string `yaml:"backend"`       // file, memory, sqlite or postgres
	Dir     string `yaml:"dir,omitempty"` // Directory of the file backend
	DSN     string `yaml:"dsn,omitempty"` // sqlite path or postgres connection string
}

// ServerConfig configures `tokenward serve`.
type ServerConfig struct {
	Listen    string `yaml:"listen"`
	Upstream  string `yaml:"upstream,omitempty"`   // API the proxy forwards to
	APIPrefix string `yaml:"api_prefix,omitempty"` // Requests under this path are proxied
}

// LogConfig configures the process-wide logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ClientConfig returns the settings of the authorization client.
func (c Config) ClientConfig() oauth.ClientConfig {
	return oauth.ClientConfig{
		AuthBase:    c.Auth.BaseURL,
		ClientID:    c.Auth.ClientID,
		RedirectURI: c.Auth.RedirectURI,
	}
}

// ExpiryPolicy returns the configured margins on the wall clock.
func (c Config) ExpiryPolicy() oauth.ExpiryPolicy {
	return oauth.ExpiryPolicy{
		Buffer:    c.Auth.ExpiryBuffer,
		ClockSkew: c.Auth.ClockSkew,
		Clock:     oauth.SystemClock,
	}
}

// RoleNames returns the realm roles that mark administrators and moderators.
func (c Config) RoleNames() oauth.RoleNames {
	return oauth.RoleNames{Admin: c.Auth.AdminRole, Moderator: c.Auth.ModeratorRole}
}

// StorageOptions returns the settings for storage.Open.
func (c Config) StorageOptions() storage.Config {
	return storage.Config{Backend: c.Storage.Backend, Dir: c.Storage.Dir, DSN: c.Storage.DSN}
}

// LoggingConfig returns the logger settings. Invalid values were rejected
// by Validate, so parse failures fall back to the defaults.
func (c Config) LoggingConfig() logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	format := logging.FormatText
	if c.Log.Format == string(logging.FormatJSON) {
		format = logging.FormatJSON
	}
	return logging.Config{Level: level, Format: format}
}
