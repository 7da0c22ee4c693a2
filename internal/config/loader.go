package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tokenward/pkg/logging"
)

const (
	userConfigDir  = ".config/tokenward"
	configFileName = "config.yaml"
	dotEnvFileName = ".env"

	// EnvPrefix is the prefix of the environment overrides.
	EnvPrefix = "TOKENWARD_"
)

var osUserHomeDir = os.UserHomeDir

// GetDefaultConfigPath returns ~/.config/tokenward.
func GetDefaultConfigPath() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// LoadConfig builds the configuration for configPath. Later sources win:
//
//  1. defaults
//  2. <configPath>/config.yaml
//  3. <configPath>/.env, then ./.env
//  4. the process environment (TOKENWARD_*, LOG_LEVEL, LOG_FORMAT)
//
// The .env files never modify the process environment. The result is
// validated before it is returned.
func LoadConfig(configPath string) (Config, error) {
	config := GetDefaultConfig(configPath)

	configFilePath := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(configFilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Debug("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
	case err != nil:
		return Config{}, &ConfigurationError{FilePath: configFilePath, ErrorType: "io", Message: err.Error()}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, &ConfigurationError{
				FilePath:    configFilePath,
				ErrorType:   "parse",
				Message:     err.Error(),
				Suggestions: []string{"durations are written like 30s or 10m"},
			}
		}
		logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	}

	dotEnv := map[string]string{}
	for _, path := range []string{filepath.Join(configPath, dotEnvFileName), dotEnvFileName} {
		values, err := godotenv.Read(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logging.Warn("ConfigLoader", "Ignoring unreadable %s: %v", path, err)
			}
			continue
		}
		for k, v := range values {
			dotEnv[k] = v
		}
		logging.Debug("ConfigLoader", "Loaded environment overrides from %s", path)
	}

	lookup := func(key string) (string, bool) {
		if v := os.Getenv(key); v != "" {
			return v, true
		}
		v, ok := dotEnv[key]
		return v, ok
	}
	if err := applyEnv(&config, lookup); err != nil {
		return Config{}, err
	}

	config.Storage.Dir = expandHome(config.Storage.Dir)

	if errs := config.Validate(); errs.HasErrors() {
		return Config{}, errs
	}
	return config, nil
}

// applyEnv overlays the environment variables found by lookup.
func applyEnv(config *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		EnvPrefix + "AUTH_BASE_URL":            &config.Auth.BaseURL,
		EnvPrefix + "CLIENT_ID":                &config.Auth.ClientID,
		EnvPrefix + "REDIRECT_URI":             &config.Auth.RedirectURI,
		EnvPrefix + "POST_LOGOUT_REDIRECT_URI": &config.Auth.PostLogoutRedirectURI,
		EnvPrefix + "SCOPE":                    &config.Auth.Scope,
		EnvPrefix + "ADMIN_ROLE":               &config.Auth.AdminRole,
		EnvPrefix + "MODERATOR_ROLE":           &config.Auth.ModeratorRole,
		EnvPrefix + "STORAGE_BACKEND":          &config.Storage.Backend,
		EnvPrefix + "STORAGE_DIR":              &config.Storage.Dir,
		EnvPrefix + "STORAGE_DSN":              &config.Storage.DSN,
		EnvPrefix + "LISTEN":                   &config.Server.Listen,
		EnvPrefix + "UPSTREAM":                 &config.Server.Upstream,
		EnvPrefix + "API_PREFIX":               &config.Server.APIPrefix,
		"LOG_LEVEL":                            &config.Log.Level,
		"LOG_FORMAT":                           &config.Log.Format,
	}
	for key, field := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*field = v
		}
	}

	durations := map[string]*time.Duration{
		EnvPrefix + "EXPIRY_BUFFER":   &config.Auth.ExpiryBuffer,
		EnvPrefix + "CLOCK_SKEW":      &config.Auth.ClockSkew,
		EnvPrefix + "REFRESH_TIMEOUT": &config.Auth.RefreshTimeout,
		EnvPrefix + "LOGIN_TIMEOUT":   &config.Auth.LoginTimeout,
		EnvPrefix + "HTTP_TIMEOUT":    &config.Auth.HTTPTimeout,
	}
	var errs ValidationErrors
	for key, field := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs.Add(key, "must be a duration such as 30s", v)
			continue
		}
		*field = d
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := osUserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
