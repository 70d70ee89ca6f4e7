// Package config loads and validates the snowstream configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// AuthMode identifies how the process authenticates to Snowflake.
type AuthMode string

// Authentication modes.
const (
	AuthKeyPair AuthMode = "keypair"
	AuthPAT     AuthMode = "pat"
)

// DefaultChannelBase is the channel name prefix used when the config
// does not set one. The session appends a timestamp suffix so restarts
// never collide on the same channel.
const DefaultChannelBase = "SENSEHAT_CHNL"

// Config is the immutable process configuration, loaded once at startup.
type Config struct {
	Account  string `json:"account"`
	User     string `json:"user"`
	Database string `json:"database"`
	Schema   string `json:"schema"`
	Pipe     string `json:"pipe"`

	// URL overrides the control-plane URL. Defaults to
	// https://{account}.snowflakecomputing.com.
	URL string `json:"url,omitempty"`

	// ChannelBase is the channel name prefix. Defaults to DefaultChannelBase.
	ChannelBase string `json:"channel_name,omitempty"`

	PrivateKeyFile       string `json:"private_key_file,omitempty"`
	PrivateKeyPassphrase string `json:"private_key_passphrase,omitempty"`
	PATToken             string `json:"pat_token,omitempty"`
}

// Load reads the JSON config file at path, applies defaults and
// validates it. Any error from Load is a fatal configuration error.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.URL == "" && c.Account != "" {
		c.URL = "https://" + strings.ToLower(c.Account) + ".snowflakecomputing.com"
	}
	c.URL = strings.TrimRight(c.URL, "/")
	if c.ChannelBase == "" {
		c.ChannelBase = DefaultChannelBase
	}
}

func (c *Config) validate() error {
	for _, f := range []struct{ name, value string }{
		{"account", c.Account},
		{"user", c.User},
		{"database", c.Database},
		{"schema", c.Schema},
		{"pipe", c.Pipe},
	} {
		if f.value == "" {
			return fmt.Errorf("%s is required", f.name)
		}
	}

	hasKey := c.PrivateKeyFile != ""
	hasPAT := c.PATToken != ""
	switch {
	case !hasKey && !hasPAT:
		return fmt.Errorf("one of private_key_file or pat_token is required")
	case hasKey && hasPAT:
		return fmt.Errorf("private_key_file and pat_token are mutually exclusive")
	}
	if c.PrivateKeyPassphrase != "" && !hasKey {
		return fmt.Errorf("private_key_passphrase requires private_key_file")
	}

	return nil
}

// Mode reports the configured authentication mode.
func (c *Config) Mode() AuthMode {
	if c.PATToken != "" {
		return AuthPAT
	}
	return AuthKeyPair
}
