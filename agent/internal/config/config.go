// Package config handles agent configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (ORGLINK_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	gateway:
//	  url: wss://bridge.orglink.example/ws/agent
//	  agent_key: olk_xxx
//
//	directory:
//	  url: ldaps://dc01.corp.example:636
//	  base_dn: DC=corp,DC=example
//	  users_ou: OU=Staff,DC=corp,DC=example
//	  bind_user: CN=svc-bridge,OU=Service,DC=corp,DC=example
//
//	groupware:
//	  url: https://mail.corp.example/EWS/Exchange.asmx
//	  domain: CORP
//	  username: svc-bridge
//
//	bridge:
//	  heartbeat_interval: 30s
//	  reconnect_interval: 5s
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete agent configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Directory DirectoryConfig `yaml:"directory"`
	Groupware GroupwareConfig `yaml:"groupware"`
	Bridge    BridgeConfig    `yaml:"bridge"`
}

// GatewayConfig defines how to reach the cloud gateway.
type GatewayConfig struct {
	URL      string `yaml:"url"`       // e.g., wss://bridge.orglink.example/ws/agent
	AgentKey string `yaml:"agent_key"` // shared secret presented on connect

	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`
}

// DirectoryConfig defines the enterprise directory connection.
type DirectoryConfig struct {
	URL          string `yaml:"url"` // ldap:// or ldaps://
	BaseDN       string `yaml:"base_dn"`
	UsersOU      string `yaml:"users_ou,omitempty"`
	BindUser     string `yaml:"bind_user,omitempty"`
	BindPassword string `yaml:"bind_password,omitempty"`
	SkipVerify   bool   `yaml:"skip_verify,omitempty"`
}

// GroupwareConfig defines the on-prem calendar server connection.
type GroupwareConfig struct {
	URL        string `yaml:"url"` // EWS endpoint
	Domain     string `yaml:"domain,omitempty"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	SkipVerify bool   `yaml:"skip_verify,omitempty"`
	RateLimit  int    `yaml:"rate_limit,omitempty"` // SOAP calls per minute
}

// BridgeConfig defines connection maintenance behavior.
type BridgeConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			HandshakeTimeout: 10 * time.Second,
		},
		Bridge: BridgeConfig{
			HeartbeatInterval: 30 * time.Second,
			ReconnectInterval: 5 * time.Second,
			CommandTimeout:    60 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if c.Gateway.AgentKey == "" {
		return fmt.Errorf("gateway.agent_key is required")
	}
	if c.Directory.URL == "" {
		return fmt.Errorf("directory.url is required")
	}
	if c.Directory.BaseDN == "" {
		return fmt.Errorf("directory.base_dn is required")
	}
	if c.Bridge.HeartbeatInterval <= 0 {
		return fmt.Errorf("bridge.heartbeat_interval must be positive")
	}
	if c.Bridge.ReconnectInterval <= 0 {
		return fmt.Errorf("bridge.reconnect_interval must be positive")
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use ORGLINK_ prefix:
// - ORGLINK_GATEWAY_URL
// - ORGLINK_AGENT_KEY
// - ORGLINK_DIRECTORY_URL
// - ORGLINK_DIRECTORY_BIND_USER
// - ORGLINK_DIRECTORY_BIND_PASSWORD
// - ORGLINK_GROUPWARE_URL
// - ORGLINK_GROUPWARE_USERNAME
// - ORGLINK_GROUPWARE_PASSWORD
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ORGLINK_GATEWAY_URL"); v != "" {
		c.Gateway.URL = v
	}
	if v := os.Getenv("ORGLINK_AGENT_KEY"); v != "" {
		c.Gateway.AgentKey = v
	}
	if v := os.Getenv("ORGLINK_DIRECTORY_URL"); v != "" {
		c.Directory.URL = v
	}
	if v := os.Getenv("ORGLINK_DIRECTORY_BASE_DN"); v != "" {
		c.Directory.BaseDN = v
	}
	if v := os.Getenv("ORGLINK_DIRECTORY_BIND_USER"); v != "" {
		c.Directory.BindUser = v
	}
	if v := os.Getenv("ORGLINK_DIRECTORY_BIND_PASSWORD"); v != "" {
		c.Directory.BindPassword = v
	}
	if v := os.Getenv("ORGLINK_GROUPWARE_URL"); v != "" {
		c.Groupware.URL = v
	}
	if v := os.Getenv("ORGLINK_GROUPWARE_USERNAME"); v != "" {
		c.Groupware.Username = v
	}
	if v := os.Getenv("ORGLINK_GROUPWARE_PASSWORD"); v != "" {
		c.Groupware.Password = v
	}
}
