// Package config loads server and client settings from defaults, an
// optional config file and RELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. RELAY_MAX_CLIENTS.
const EnvPrefix = "RELAY"

// Server configures the relay daemon.
type Server struct {
	Address          string        `mapstructure:"address"`
	WSAddress        string        `mapstructure:"ws_address"`
	MaxClients       int           `mapstructure:"max_clients"`
	ReadSize         int           `mapstructure:"read_size"`
	PrefixSender     bool          `mapstructure:"prefix_sender"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"`
}

// Client configures the interactive client.
type Client struct {
	Server    string `mapstructure:"server"`
	WebSocket bool   `mapstructure:"websocket"`
	ReadSize  int    `mapstructure:"read_size"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("address", ":8080")
	v.SetDefault("ws_address", "")
	v.SetDefault("max_clients", 10)
	v.SetDefault("read_size", 1024)
	v.SetDefault("prefix_sender", true)
	v.SetDefault("write_timeout", time.Duration(0))
	v.SetDefault("handshake_timeout", 5*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("server", "localhost:8080")
	v.SetDefault("websocket", false)
	v.SetDefault("read_size", 1024)
	v.SetDefault("log_level", "warn")
	v.SetDefault("log_format", "console")
}

func newViper(path string, defaults func(*viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return v, nil
}

// LoadServer returns the server configuration. path may be empty. The
// result is not validated so that callers can apply overrides first.
func LoadServer(path string) (Server, error) {
	var cfg Server
	v, err := newViper(path, setServerDefaults)
	if err != nil {
		return cfg, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// LoadClient returns the client configuration. path may be empty. The
// result is not validated so that callers can apply overrides first.
func LoadClient(path string) (Client, error) {
	var cfg Client
	v, err := newViper(path, setClientDefaults)
	if err != nil {
		return cfg, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Server) Validate() error {
	var errs []error
	if c.Address == "" {
		errs = append(errs, errors.New("address must not be empty"))
	}
	if c.WSAddress != "" && c.WSAddress == c.Address {
		errs = append(errs, fmt.Errorf("ws_address must differ from address (%s)", c.Address))
	}
	if c.MaxClients < 0 {
		errs = append(errs, fmt.Errorf("max_clients must be >= 0, got %d", c.MaxClients))
	}
	if c.ReadSize <= 0 {
		errs = append(errs, fmt.Errorf("read_size must be > 0, got %d", c.ReadSize))
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("write_timeout must be >= 0, got %v", c.WriteTimeout))
	}
	if c.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("handshake_timeout must be >= 0, got %v", c.HandshakeTimeout))
	}
	if err := validateLog(c.LogLevel, c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	return nil
}

// Validate reports every invalid field at once.
func (c Client) Validate() error {
	var errs []error
	if c.Server == "" {
		errs = append(errs, errors.New("server must not be empty"))
	}
	if c.ReadSize <= 0 {
		errs = append(errs, fmt.Errorf("read_size must be > 0, got %d", c.ReadSize))
	}
	if err := validateLog(c.LogLevel, c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}
	return nil
}

func validateLog(level, format string) error {
	switch strings.ToLower(level) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("unknown log_level %q", level)
	}
	switch format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log_format %q", format)
	}
	return nil
}
