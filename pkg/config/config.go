// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Pipedream PipedreamConfig `yaml:"pipedream"`
	Apps      AppsConfig      `yaml:"apps"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Address     string   `yaml:"address"`
	BaseURL     string   `yaml:"base_url"`     // external URL used to build OAuth redirect URIs
	CORSOrigins []string `yaml:"cors_origins"` // allowed origins for browser clients
}

// AuthConfig configures authentication.
type AuthConfig struct {
	SigningKey      string        `yaml:"signing_key"` // HMAC key for JWT signing
	Issuer          string        `yaml:"issuer"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	CookieName      string        `yaml:"cookie_name"`
	CookieSecure    bool          `yaml:"cookie_secure"`
	Users           []UserDef     `yaml:"users"`
}

// UserDef defines a user in the static directory.
type UserDef struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"` // bcrypt hash
	Roles        []string `yaml:"roles"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// SessionsConfig configures session lifecycle.
type SessionsConfig struct {
	TTL             time.Duration `yaml:"ttl"`              // zero means sessions never expire
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // background sweep period
}

// PipedreamConfig configures the Pipedream Connect integration.
type PipedreamConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	ProjectID    string `yaml:"project_id"`
	Environment  string `yaml:"environment"` // "development" or "production"
	APIURL       string `yaml:"api_url"`
	MCPURL       string `yaml:"mcp_url"`
}

// AppsConfig configures the app catalog.
type AppsConfig struct {
	CatalogPath string `yaml:"catalog_path"` // empty uses the embedded catalog
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mcp-connect"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8000"
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "http://localhost:8000"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = cfg.Server.Name
	}
	if cfg.Auth.AccessTokenTTL == 0 {
		cfg.Auth.AccessTokenTTL = 30 * time.Minute
	}
	if cfg.Auth.RefreshTokenTTL == 0 {
		cfg.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = "access_token"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "sessions.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Sessions.CleanupInterval == 0 {
		cfg.Sessions.CleanupInterval = 5 * time.Minute
	}
	if cfg.Pipedream.Environment == "" {
		cfg.Pipedream.Environment = "development"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Auth.SigningKey == "" {
		errs = append(errs, "auth.signing_key is required")
	}
	if len(c.Auth.Users) == 0 {
		errs = append(errs, "auth.users must define at least one user")
	}
	for i, u := range c.Auth.Users {
		if u.Username == "" {
			errs = append(errs, fmt.Sprintf("auth.users[%d].username is required", i))
		}
		if u.PasswordHash == "" {
			errs = append(errs, fmt.Sprintf("auth.users[%d].password_hash is required", i))
		}
	}

	if c.Pipedream.ClientID == "" {
		errs = append(errs, "pipedream.client_id is required")
	}
	if c.Pipedream.ClientSecret == "" {
		errs = append(errs, "pipedream.client_secret is required")
	}
	if c.Pipedream.ProjectID == "" {
		errs = append(errs, "pipedream.project_id is required")
	}
	if c.Pipedream.Environment != "development" && c.Pipedream.Environment != "production" {
		errs = append(errs, "pipedream.environment must be \"development\" or \"production\"")
	}

	if c.Sessions.TTL < 0 {
		errs = append(errs, "sessions.ttl must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
