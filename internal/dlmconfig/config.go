// Package dlmconfig loads the daemon's configuration from a YAML file
// and environment variables, environment taking precedence, following
// pkg/config/config.go's viper/mapstructure/validator pattern.
package dlmconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the godlm daemon's static configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DLM_*), for keys present in the file
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
//
// No CLI flag overrides a field; dlmd's --config flag only names the file.
type Config struct {
	// NodeID uniquely identifies this node within the cluster. Must be
	// stable across restarts: the directory and resource masters keyed
	// off it survive only if the node rejoins under the same id. Zero is
	// a valid id (the first node in a cluster), so it carries no
	// "required" validation — a config with no node_id section legitimately
	// describes node 0.
	NodeID uint16 `mapstructure:"node_id" yaml:"node_id"`

	// Lockspace is the name of the lockspace this daemon joins.
	Lockspace string `mapstructure:"lockspace" validate:"required" yaml:"lockspace"`

	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Transport  TransportConfig  `mapstructure:"transport" yaml:"transport"`
	Membership MembershipConfig `mapstructure:"membership" yaml:"membership"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=DEBUG INFO WARN ERROR" yaml:"level"`
	Format string `mapstructure:"format" validate:"oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// TransportConfig controls the cluster TCP transport.
type TransportConfig struct {
	ListenAddr      string            `mapstructure:"listen_addr" validate:"required" yaml:"listen_addr"`
	Peers           map[string]string `mapstructure:"peers" yaml:"peers"` // node id (string) -> dial address
	DialTimeout     time.Duration     `mapstructure:"dial_timeout" validate:"gt=0" yaml:"dial_timeout"`
	ReconnectMinMs  time.Duration     `mapstructure:"reconnect_min" validate:"gt=0" yaml:"reconnect_min"`
	ReconnectMaxMs  time.Duration     `mapstructure:"reconnect_max" validate:"gt=0" yaml:"reconnect_max"`
}

// MembershipConfig controls how this node learns about cluster membership.
type MembershipConfig struct {
	// Driver is "file" (watch MembershipFile) or "static" (test/single-node).
	Driver         string `mapstructure:"driver" validate:"oneof=file static" yaml:"driver"`
	MembershipFile string `mapstructure:"membership_file" yaml:"membership_file"`
}

// MetricsConfig controls the Prometheus/health HTTP server.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns the built-in defaults used when no config file is
// found, and as a base before file/env overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		Lockspace: "default",
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Transport: TransportConfig{
			ListenAddr:     "0.0.0.0:7099",
			Peers:          map[string]string{},
			DialTimeout:    5 * time.Second,
			ReconnectMinMs: 100 * time.Millisecond,
			ReconnectMaxMs: 10 * time.Second,
		},
		Membership: MembershipConfig{
			Driver: "static",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:9099",
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads configuration from configPath (or the default search path if
// empty) and validates the result. DLM_* environment variables override
// only keys that appear in the file; when no file is found, the defaults
// are returned unchanged and the environment is not consulted.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if !found {
		if err := validateConfig(cfg); err != nil {
			return nil, fmt.Errorf("dlmconfig: default configuration invalid: %w", err)
		}
		return cfg, nil
	}

	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("dlmconfig: unmarshal config: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("dlmconfig: configuration validation failed: %w", err)
	}
	return cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("DLM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(defaultConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("dlmconfig: read config file: %w", err)
	}
	return true, nil
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "godlm")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "godlm")
}

var validate = validator.New()

func validateConfig(cfg *Config) error {
	return validate.Struct(cfg)
}
