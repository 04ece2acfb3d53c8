// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

// Package config loads and validates server configuration from a YAML
// file and command-line flags.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config is the full server configuration.
type Config struct {
	Server       Server       `koanf:"server"`
	Database     Database     `koanf:"database"`
	SessionStore SessionStore `koanf:"session_store"`
	AutoLogin    AutoLogin    `koanf:"auto_login"`
	BruteForce   BruteForce   `koanf:"bruteforce"`
	Registration Registration `koanf:"registration"`
	Passwords    Passwords    `koanf:"passwords"`
	Flow         Flow         `koanf:"flow"`
	Log          Log          `koanf:"log"`
}

// Server configures the player-facing listener.
type Server struct {
	ListenAddr               string        `koanf:"listen_addr"`
	MetricsAddr              string        `koanf:"metrics_addr"`
	LoginTimeout             time.Duration `koanf:"login_timeout"`
	PromptForcedChangeOnline bool          `koanf:"prompt_forced_change_online"`
}

// Database configures the PostgreSQL connection.
type Database struct {
	URL string `koanf:"url"`
}

// SessionStore selects where remember-me sessions are kept.
type SessionStore struct {
	Backend       string `koanf:"backend"` // "postgres" or "redis"
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

// AutoLogin configures remember-me sessions.
type AutoLogin struct {
	Enabled        bool          `koanf:"enabled"`
	SecurityLevel  int           `koanf:"security_level"`
	MaxSessions    int           `koanf:"max_sessions"`
	Lifetime       time.Duration `koanf:"lifetime"`
	RefreshOnLogin bool          `koanf:"refresh_on_login"`
}

// BruteForce configures the login throttler.
type BruteForce struct {
	Enabled       bool          `koanf:"enabled"`
	MaxAttempts   int           `koanf:"max_attempts"`
	BlockDuration time.Duration `koanf:"block_duration"`
}

// Registration configures account creation limits.
type Registration struct {
	MaxAccountsPerIP int           `koanf:"max_accounts_per_ip"`
	ConfirmWindow    time.Duration `koanf:"confirm_window"`
}

// Passwords configures the password policy.
type Passwords struct {
	MinLength int `koanf:"min_length"`
	MaxLength int `koanf:"max_length"`
}

// Flow configures the authentication step order. An empty order runs
// the legacy single-prompt flow.
type Flow struct {
	Order []string `koanf:"order"`
}

// Log configures the structured logger.
type Log struct {
	Format string `koanf:"format"` // "json" or "text"
	Level  string `koanf:"level"`
}

// Default returns the configuration used when a key is absent from
// both the file and the flags.
func Default() Config {
	return Config{
		Server: Server{
			ListenAddr:               ":4000",
			MetricsAddr:              "127.0.0.1:9100",
			LoginTimeout:             60 * time.Second,
			PromptForcedChangeOnline: true,
		},
		SessionStore: SessionStore{
			Backend:   "postgres",
			RedisAddr: "127.0.0.1:6379",
		},
		AutoLogin: AutoLogin{
			Enabled:        true,
			SecurityLevel:  1,
			MaxSessions:    5,
			Lifetime:       7 * 24 * time.Hour,
			RefreshOnLogin: true,
		},
		BruteForce: BruteForce{
			Enabled:       true,
			MaxAttempts:   5,
			BlockDuration: 10 * time.Minute,
		},
		Registration: Registration{
			MaxAccountsPerIP: 3,
			ConfirmWindow:    time.Minute,
		},
		Passwords: Passwords{
			MinLength: 6,
			MaxLength: 64,
		},
		Flow: Flow{
			Order: []string{"auto_login", "password_login", "registration"},
		},
		Log: Log{
			Format: "json",
			Level:  "info",
		},
	}
}

// Load reads configuration in precedence order: defaults, then the
// YAML file at path (when non-empty), then flags.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_INVALID").
				With("path", path).
				Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, oops.Code("CONFIG_INVALID").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_INVALID").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch {
	case c.Server.ListenAddr == "":
		return invalid("server.listen_addr is required")
	case c.SessionStore.Backend != "postgres" && c.SessionStore.Backend != "redis":
		return invalid("session_store.backend must be \"postgres\" or \"redis\"")
	case c.SessionStore.Backend == "redis" && c.SessionStore.RedisAddr == "":
		return invalid("session_store.redis_addr is required for the redis backend")
	case c.AutoLogin.SecurityLevel < 0 || c.AutoLogin.SecurityLevel > 1:
		return invalid("auto_login.security_level must be 0 or 1")
	case c.AutoLogin.Enabled && c.AutoLogin.Lifetime <= 0:
		return invalid("auto_login.lifetime must be positive")
	case c.BruteForce.Enabled && c.BruteForce.MaxAttempts <= 0:
		return invalid("bruteforce.max_attempts must be positive")
	case c.BruteForce.Enabled && c.BruteForce.BlockDuration <= 0:
		return invalid("bruteforce.block_duration must be positive")
	case c.Passwords.MinLength <= 0:
		return invalid("passwords.min_length must be positive")
	case c.Passwords.MaxLength > 0 && c.Passwords.MaxLength < c.Passwords.MinLength:
		return invalid("passwords.max_length must be at least min_length")
	case c.Log.Format != "json" && c.Log.Format != "text":
		return invalid("log.format must be \"json\" or \"text\"")
	}
	return nil
}

func invalid(msg string) error {
	return oops.Code("CONFIG_INVALID").Errorf("%s", msg)
}
