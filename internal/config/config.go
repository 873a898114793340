// Package config loads the pineapple configuration from a YAML file,
// PINEAPPLE_* environment variables and built-in defaults. Environment
// variables override the file, and the file overrides the defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultSTUNServer is used when no STUN server is configured.
const DefaultSTUNServer = "stun.l.google.com:19302"

// Config holds all settings for the traversal pipeline and the CLI glue.
type Config struct {
	// SignallingURL is the rendezvous broker endpoint (wss://host:port).
	SignallingURL string `mapstructure:"signalling_url" yaml:"signalling_url"`

	// STUNServerAddr is the STUN server used for reflexive discovery.
	STUNServerAddr string `mapstructure:"stun_server_addr" yaml:"stun_server_addr"`

	// Fingerprint is this endpoint's identifier on the broker. Empty means
	// derive one from the identity key.
	Fingerprint string `mapstructure:"fingerprint" yaml:"fingerprint"`

	// IdentityFile is the path of the Ed25519 identity key.
	IdentityFile string `mapstructure:"identity_file" yaml:"identity_file"`

	// TCPPort is the local TCP port advertised for the simultaneous open;
	// zero picks an ephemeral port.
	TCPPort uint16 `mapstructure:"tcp_port" yaml:"tcp_port"`

	// InsecureTLS accepts self-signed broker certificates.
	InsecureTLS bool `mapstructure:"insecure_tls" yaml:"insecure_tls"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// Dir returns the default pineapple configuration directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pineapple"
	}
	return filepath.Join(home, ".pineapple")
}

// Load reads configuration from configPath, falling back to
// ~/.pineapple/pineapple.yaml when empty. A missing file is not an error;
// environment variables and defaults still apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("stun_server_addr", DefaultSTUNServer)
	v.SetDefault("identity_file", filepath.Join(Dir(), "id_ed25519"))
	v.SetDefault("insecure_tls", true)
	v.SetDefault("log_level", "info")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(Dir(), "pineapple.yaml"))
	}

	v.SetEnvPrefix("PINEAPPLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"signalling_url":   "PINEAPPLE_SIGNALLING_URL",
		"stun_server_addr": "PINEAPPLE_STUN_SERVER_ADDR",
		"fingerprint":      "PINEAPPLE_FINGERPRINT",
		"identity_file":    "PINEAPPLE_IDENTITY_FILE",
		"tcp_port":         "PINEAPPLE_TCP_PORT",
		"insecure_tls":     "PINEAPPLE_INSECURE_TLS",
		"log_level":        "PINEAPPLE_LOG_LEVEL",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			// No config file; env vars and defaults apply.
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields a traversal run needs.
func (c *Config) Validate() error {
	if c.SignallingURL == "" {
		return fmt.Errorf("signalling_url is required")
	}
	if !strings.HasPrefix(c.SignallingURL, "wss://") && !strings.HasPrefix(c.SignallingURL, "ws://") {
		return fmt.Errorf("signalling_url must be a ws:// or wss:// URL")
	}
	if c.STUNServerAddr == "" {
		return fmt.Errorf("stun_server_addr is required")
	}
	if _, _, err := net.SplitHostPort(c.STUNServerAddr); err != nil {
		return fmt.Errorf("stun_server_addr: %w", err)
	}
	if c.IdentityFile == "" {
		return fmt.Errorf("identity_file is required")
	}
	return nil
}
