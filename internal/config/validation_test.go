package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tokenward/pkg/logging"
)

func validConfig() Config {
	cfg := GetDefaultConfig("/tmp/tokenward")
	cfg.Auth.BaseURL = "https://sso.example.com/realms/catalog"
	cfg.Auth.ClientID = "catalog-web"
	return cfg
}

func fields(errs ValidationErrors) []string {
	var out []string
	for _, e := range errs {
		out = append(out, e.Field)
	}
	return out
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   []string
	}{
		{"valid", func(*Config) {}, nil},
		{"relative base url", func(c *Config) { c.Auth.BaseURL = "sso.example.com" }, []string{"auth.base_url"}},
		{"ftp redirect", func(c *Config) { c.Auth.RedirectURI = "ftp://localhost/cb" }, []string{"auth.redirect_uri"}},
		{"zero buffer allowed", func(c *Config) { c.Auth.ExpiryBuffer = 0 }, nil},
		{"negative skew", func(c *Config) { c.Auth.ClockSkew = -time.Second }, []string{"auth.clock_skew"}},
		{"zero refresh timeout", func(c *Config) { c.Auth.RefreshTimeout = 0 }, []string{"auth.refresh_timeout"}},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, []string{"storage.backend"}},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, []string{"storage.dsn"}},
		{"memory needs nothing", func(c *Config) { c.Storage = StorageConfig{Backend: "memory"} }, nil},
		{"prefix without slash", func(c *Config) { c.Server.APIPrefix = "api" }, []string{"server.api_prefix"}},
		{"bad log settings", func(c *Config) { c.Log = LogConfig{Level: "loud", Format: "xml"} }, []string{"log.level", "log.format"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			assert.Equal(t, tt.want, fields(cfg.Validate()))
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	var errs ValidationErrors
	assert.False(t, errs.HasErrors())

	errs.Add("auth.client_id", "is required")
	assert.Equal(t, "field 'auth.client_id': is required", errs.Error())

	errs.Add("storage.dsn", "is required for the sqlite backend")
	assert.Equal(t, "validation failed: field 'auth.client_id': is required; field 'storage.dsn': is required for the sqlite backend", errs.Error())
}

func TestConfig_Conversions(t *testing.T) {
	cfg := validConfig()
	cfg.Log = LogConfig{Level: "debug", Format: "json"}

	assert.Equal(t, "catalog-web", cfg.ClientConfig().ClientID)
	assert.Equal(t, 60*time.Second, cfg.ExpiryPolicy().Buffer)
	assert.NotNil(t, cfg.ExpiryPolicy().Clock)
	assert.Equal(t, "admin", cfg.RoleNames().Admin)
	assert.Equal(t, "/tmp/tokenward/state", cfg.StorageOptions().Dir)
	assert.Equal(t, logging.LevelDebug, cfg.LoggingConfig().Level)
	assert.Equal(t, logging.FormatJSON, cfg.LoggingConfig().Format)
}
