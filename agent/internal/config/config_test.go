package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
gateway:
  url: wss://bridge.orglink.example/ws/agent
  agent_key: olk_test
directory:
  url: ldaps://dc01.corp.example:636
  base_dn: DC=corp,DC=example
  users_ou: OU=Staff,DC=corp,DC=example
groupware:
  url: https://mail.corp.example/EWS/Exchange.asmx
  domain: CORP
  username: svc-bridge
  password: secret
bridge:
  heartbeat_interval: 15s
  reconnect_interval: 3s
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Gateway.URL != "wss://bridge.orglink.example/ws/agent" {
		t.Errorf("unexpected gateway url %q", cfg.Gateway.URL)
	}
	if cfg.Directory.UsersOU != "OU=Staff,DC=corp,DC=example" {
		t.Errorf("unexpected users_ou %q", cfg.Directory.UsersOU)
	}
	if cfg.Bridge.HeartbeatInterval != 15*time.Second {
		t.Errorf("heartbeat interval not parsed: %v", cfg.Bridge.HeartbeatInterval)
	}
	if cfg.Bridge.ReconnectInterval != 3*time.Second {
		t.Errorf("reconnect interval not parsed: %v", cfg.Bridge.ReconnectInterval)
	}
	// Unset fields keep defaults.
	if cfg.Bridge.CommandTimeout != 60*time.Second {
		t.Errorf("expected default command timeout, got %v", cfg.Bridge.CommandTimeout)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/agent.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing gateway url", func(c *Config) { c.Gateway.URL = "" }},
		{"missing agent key", func(c *Config) { c.Gateway.AgentKey = "" }},
		{"missing directory url", func(c *Config) { c.Directory.URL = "" }},
		{"missing base dn", func(c *Config) { c.Directory.BaseDN = "" }},
		{"zero heartbeat", func(c *Config) { c.Bridge.HeartbeatInterval = 0 }},
		{"zero reconnect", func(c *Config) { c.Bridge.ReconnectInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Gateway.URL = "wss://bridge.orglink.example/ws/agent"
			cfg.Gateway.AgentKey = "olk_test"
			cfg.Directory.URL = "ldap://dc01.corp.example"
			cfg.Directory.BaseDN = "DC=corp,DC=example"

			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ORGLINK_GATEWAY_URL", "wss://other.orglink.example/ws/agent")
	t.Setenv("ORGLINK_AGENT_KEY", "olk_env")
	t.Setenv("ORGLINK_DIRECTORY_BIND_PASSWORD", "env-secret")

	cfg := DefaultConfig()
	cfg.Gateway.URL = "wss://file.orglink.example/ws/agent"
	cfg.ApplyEnvOverrides()

	if cfg.Gateway.URL != "wss://other.orglink.example/ws/agent" {
		t.Errorf("env did not override file value: %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.AgentKey != "olk_env" {
		t.Errorf("agent key override missing: %q", cfg.Gateway.AgentKey)
	}
	if cfg.Directory.BindPassword != "env-secret" {
		t.Errorf("bind password override missing")
	}
}
