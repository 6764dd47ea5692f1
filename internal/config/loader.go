package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load builds the effective configuration: defaults, then the JSON config
// file (if any), then MCPGATE_* environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Auth == nil {
		cfg.Auth = DefaultConfig().Auth
	}
	if cfg.Auth.BasePath == "" {
		cfg.Auth.BasePath = "/oauth"
	}
	if cfg.Logging == nil {
		cfg.Logging = DefaultConfig().Logging
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides layers MCPGATE_* environment variables over the file
// values, keyed by the flag-style names (MCPGATE_DATA_DIR, MCPGATE_LISTEN...).
func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("MCPGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"listen", "base-url", "data-dir",
		"auth.signing-secret", "auth.login-url",
		"logging.level",
	} {
		_ = v.BindEnv(key)
	}

	if s := v.GetString("listen"); s != "" {
		cfg.Listen = s
	}
	if s := v.GetString("base-url"); s != "" {
		cfg.BaseURL = s
	}
	if s := v.GetString("data-dir"); s != "" {
		cfg.DataDir = s
	}
	if s := v.GetString("auth.signing-secret"); s != "" {
		if cfg.Auth == nil {
			cfg.Auth = &AuthConfig{}
		}
		cfg.Auth.SigningSecret = s
	}
	if s := v.GetString("auth.login-url"); s != "" {
		if cfg.Auth == nil {
			cfg.Auth = &AuthConfig{}
		}
		cfg.Auth.LoginURL = s
	}
	if s := v.GetString("logging.level"); s != "" {
		if cfg.Logging == nil {
			cfg.Logging = &LogConfig{}
		}
		cfg.Logging.Level = s
	}
}
