// Package config provides configuration management for tokenward.
//
// Configuration is loaded from a single directory, ~/.config/tokenward by
// default or the directory given with --config-path.
//
// # Sources
//
// Values are layered, later sources overriding earlier ones:
//   - built-in defaults (GetDefaultConfig)
//   - config.yaml in the configuration directory
//   - .env files in the configuration directory and the working directory
//   - environment variables
//   - command line flags, applied by the caller
//
// # File Format
//
//	auth:
//	  base_url: https://sso.example.com/realms/catalog
//	  client_id: catalog-web
//	  redirect_uri: http://localhost:3000/callback
//	  expiry_buffer: 60s
//	  clock_skew: 30s
//	storage:
//	  backend: file        # file | memory | sqlite | postgres
//	server:
//	  listen: 127.0.0.1:8080
//	  upstream: https://api.example.com
//	log:
//	  level: info
//	  format: text
//
// # Environment
//
// Every string and duration setting has a TOKENWARD_ variable, for example
// TOKENWARD_AUTH_BASE_URL, TOKENWARD_CLIENT_ID, TOKENWARD_STORAGE_BACKEND or
// TOKENWARD_REFRESH_TIMEOUT. LOG_LEVEL and LOG_FORMAT set the logger.
//
// # Validation
//
// LoadConfig validates the merged result and returns ValidationErrors
// listing every invalid field, so a broken setup is reported in one go.
package config
