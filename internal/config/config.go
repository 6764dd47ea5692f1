package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Transport protocol values for ServerConfig.Protocol.
const (
	ProtocolAuto           = "auto"
	ProtocolStdio          = "stdio"
	ProtocolHTTP           = "http"
	ProtocolStreamableHTTP = "streamable-http"
	ProtocolSSE            = "sse"
)

// DefaultTenantKey partitions downstream connections for callers that present
// no bearer credential (anonymous mode only).
const DefaultTenantKey = "default"

// Config is the top-level gateway configuration.
type Config struct {
	Listen  string          `json:"listen" mapstructure:"listen"`
	BaseURL string          `json:"base_url" mapstructure:"base-url"`
	DataDir string          `json:"data_dir" mapstructure:"data-dir"`
	Servers []*ServerConfig `json:"mcpServers" mapstructure:"servers"`

	// Auth configuration for the built-in authorization server
	Auth *AuthConfig `json:"auth,omitempty" mapstructure:"auth"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`

	// CallToolTimeout bounds a single downstream tool call
	CallToolTimeout Duration `json:"call_tool_timeout,omitempty" mapstructure:"call-tool-timeout"`
}

// AuthConfig configures credential issuance and verification.
type AuthConfig struct {
	// Enabled gates bearer verification on the protocol and tool endpoints.
	// When false, callers are pooled under DefaultTenantKey.
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// BasePath is the mount point for the OAuth endpoints
	BasePath string `json:"base_path,omitempty" mapstructure:"base-path"`

	// SigningSecret keys the HMAC bootstrap token signer
	SigningSecret string `json:"signing_secret,omitempty" mapstructure:"signing-secret"`

	// LoginURL is the external identity provider's login page. The authorize
	// endpoint redirects there carrying the pending code and state.
	LoginURL string `json:"login_url,omitempty" mapstructure:"login-url"`

	// TokenTTL is the access token lifetime
	TokenTTL Duration `json:"token_ttl,omitempty" mapstructure:"token-ttl"`

	// DefaultScopes is granted when a token request names no scope
	DefaultScopes []string `json:"default_scopes,omitempty" mapstructure:"default-scopes"`

	// SkipPKCEValidation disables local S256 verification during code
	// exchange, leaving PKCE checks to an upstream collaborator. Off unless
	// explicitly configured.
	SkipPKCEValidation bool `json:"skip_pkce_validation,omitempty" mapstructure:"skip-pkce-validation"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"` // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`         // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// ServerConfig represents a downstream MCP tool server. Exactly one of
// Command (stdio) or URL (network) drives the transport; Protocol "auto"
// resolves from whichever is set.
type ServerConfig struct {
	Name     string            `json:"name" mapstructure:"name"`
	URL      string            `json:"url,omitempty" mapstructure:"url"`
	Protocol string            `json:"protocol,omitempty" mapstructure:"protocol"` // stdio, http, streamable-http, sse, auto
	Command  string            `json:"command,omitempty" mapstructure:"command"`
	Args     []string          `json:"args,omitempty" mapstructure:"args"`
	Env      map[string]string `json:"env,omitempty" mapstructure:"env"`
	Headers  map[string]string `json:"headers,omitempty" mapstructure:"headers"` // for network servers
	Enabled  bool              `json:"enabled" mapstructure:"enabled"`

	// ForwardAuthHeader names a request header to carry the caller's bearer
	// credential to a network server ("Authorization" is typical).
	ForwardAuthHeader string `json:"forward_auth_header,omitempty" mapstructure:"forward-auth-header"`

	// ForwardAuthEnv names an environment variable to carry the caller's
	// credential into a spawned stdio server.
	ForwardAuthEnv string `json:"forward_auth_env,omitempty" mapstructure:"forward-auth-env"`
}

// TransportProtocol resolves the effective transport for this server.
func (s *ServerConfig) TransportProtocol() string {
	if s.Protocol != "" && s.Protocol != ProtocolAuto {
		return s.Protocol
	}
	if s.Command != "" {
		return ProtocolStdio
	}
	if s.URL != "" {
		return ProtocolStreamableHTTP
	}
	return ProtocolStdio
}

// Duration wraps time.Duration for JSON config values like "30m".
type Duration time.Duration

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		parsed, err := time.ParseDuration(string(data[1 : len(data)-1]))
		if err != nil {
			return fmt.Errorf("invalid duration %s: %w", data, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if _, err := fmt.Sscan(string(data), &ns); err != nil {
		return fmt.Errorf("invalid duration %s: %w", data, err)
	}
	*d = Duration(ns)
	return nil
}

// MarshalJSON renders the duration in time.Duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

// DefaultConfig returns configuration with sensible defaults
func DefaultConfig() *Config {
	dataDir := ""
	if homeDir, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(homeDir, ".mcpgate")
	}

	return &Config{
		Listen:  "127.0.0.1:8095",
		BaseURL: "http://127.0.0.1:8095",
		DataDir: dataDir,
		Servers: []*ServerConfig{},
		Auth: &AuthConfig{
			Enabled:       true,
			BasePath:      "/oauth",
			TokenTTL:      Duration(30 * time.Minute),
			DefaultScopes: []string{"mcp:tools"},
		},
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    false,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},
		CallToolTimeout: Duration(2 * time.Minute),
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	if c.BaseURL != "" {
		if _, err := url.Parse(c.BaseURL); err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
	}

	if c.Auth != nil && c.Auth.Enabled {
		if c.Auth.SigningSecret == "" {
			return fmt.Errorf("auth.signing_secret is required when auth is enabled")
		}
		if c.Auth.TokenTTL.Duration() <= 0 {
			return fmt.Errorf("auth.token_ttl must be positive")
		}
	}

	seen := make(map[string]bool)
	for _, server := range c.Servers {
		if server.Name == "" {
			return fmt.Errorf("server name cannot be empty")
		}
		if seen[server.Name] {
			return fmt.Errorf("duplicate server name: %s", server.Name)
		}
		seen[server.Name] = true

		if server.URL == "" && server.Command == "" {
			return fmt.Errorf("server %s must have either URL or command", server.Name)
		}
		if server.URL != "" && server.Command != "" {
			return fmt.Errorf("server %s cannot have both URL and command", server.Name)
		}
		switch server.Protocol {
		case "", ProtocolAuto, ProtocolStdio, ProtocolHTTP, ProtocolStreamableHTTP, ProtocolSSE:
		default:
			return fmt.Errorf("server %s has unknown protocol %q", server.Name, server.Protocol)
		}
	}

	return nil
}
