package fleet

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "servers", config.Fleet.ServersDir)
	assert.Equal(t, "templates", config.Fleet.TemplatesDir)
	assert.True(t, config.Fleet.WatchGroups)
	assert.Equal(t, 30*time.Second, config.Fleet.ForceShutdownTimeout)
	assert.Equal(t, 9090, config.Network.Port)
	assert.True(t, config.Network.AuthRequired)
	assert.Equal(t, 5*time.Second, config.Scaling.CheckInterval)
	assert.Equal(t, "groups", config.Scaling.GroupsDir)
	assert.Equal(t, provider.TypeMemory, config.Provider.Type)
	assert.Equal(t, 50055, config.Control.Port)
	assert.True(t, config.LogStream.Enabled)

	assert.NoError(t, ValidateConfig(config))
}

func TestLoadConfigFromFile(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		check       func(t *testing.T, config *Config)
	}{
		{
			name: "full_config",
			configYAML: `
fleet:
  servers_dir: /srv/fleet/servers
  watch_groups: false
network:
  bind_address: 127.0.0.1
  port: 9190
  connection_timeout: 45s
  allowed_networks:
    - 10.0.0.0/8
    - 192.168.1.20
scaling:
  check_interval: 2s
  groups_dir: conf/groups
provider:
  type: process
  process:
    first_port: 30000
logging:
  level: debug
  format: json
`,
			check: func(t *testing.T, config *Config) {
				assert.Equal(t, "/srv/fleet/servers", config.Fleet.ServersDir)
				assert.False(t, config.Fleet.WatchGroups)
				assert.Equal(t, "127.0.0.1", config.Network.BindAddress)
				assert.Equal(t, 9190, config.Network.Port)
				assert.Equal(t, 45*time.Second, config.Network.ConnectionTimeout)
				assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.20"}, config.Network.AllowedNetworks)
				assert.Equal(t, 2*time.Second, config.Scaling.CheckInterval)
				assert.Equal(t, provider.TypeProcess, config.Provider.Type)
				assert.Equal(t, 30000, config.Provider.Process.FirstPort)
				assert.Equal(t, "debug", config.Logging.Level)
				assert.Equal(t, "json", config.Logging.Format)
			},
		},
		{
			name:       "minimal_config_uses_defaults",
			configYAML: "network:\n  port: 9191\n",
			check: func(t *testing.T, config *Config) {
				assert.Equal(t, 9191, config.Network.Port)
				assert.Equal(t, "servers", config.Fleet.ServersDir)
				assert.Equal(t, provider.TypeMemory, config.Provider.Type)
				assert.Equal(t, 50055, config.Control.Port)
			},
		},
		{
			name:        "invalid_yaml",
			configYAML:  "network: [",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filename := filepath.Join(t.TempDir(), "fleet.yaml")
			writeFile(t, filename, tt.configYAML)

			config, err := LoadConfigFromFile(filename)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, config)
		})
	}
}

func TestLoadConfigFromFile_MissingFile(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsIOError(err))
}

func TestLoadConfigFromFile_EnvironmentOverride(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "fleet.yaml")
	writeFile(t, filename, "network:\n  port: 9191\n")

	t.Setenv("HSU_FLEET_NETWORK_PORT", "9292")
	t.Setenv("HSU_FLEET_PROVIDER_TYPE", "kubernetes")

	config, err := LoadConfigFromFile(filename)
	require.NoError(t, err)
	assert.Equal(t, 9292, config.Network.Port)
	assert.Equal(t, provider.TypeKubernetes, config.Provider.Type)
}

func TestConfig_Resolve(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "fleet.yaml")
	writeFile(t, filename, "scaling:\n  groups_dir: groups\n")

	config, err := LoadConfigFromFile(filename)
	require.NoError(t, err)

	assert.Equal(t, dir, config.Fleet.DataDir)
	assert.Equal(t, filepath.Join(dir, "groups"), config.Resolve(config.Scaling.GroupsDir))
	absolute := filepath.Join(dir, "elsewhere")
	assert.Equal(t, absolute, config.Resolve(absolute))
	assert.Equal(t, "", config.Resolve(""))
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(config *Config)
	}{
		{"unknown_provider", func(c *Config) { c.Provider.Type = "docker" }},
		{"kubernetes_without_namespace", func(c *Config) {
			c.Provider.Type = provider.TypeKubernetes
			c.Provider.Kubernetes.Namespace = ""
		}},
		{"invalid_port", func(c *Config) { c.Network.Port = 70000 }},
		{"invalid_control_port", func(c *Config) { c.Control.Port = 0 }},
		{"empty_bind_address", func(c *Config) { c.Network.BindAddress = "" }},
		{"sweep_exceeds_timeout", func(c *Config) {
			c.Network.ConnectionTimeout = 10 * time.Second
			c.Network.SweepInterval = time.Minute
		}},
		{"bad_allowed_network", func(c *Config) { c.Network.AllowedNetworks = []string{"not-an-address"} }},
		{"zero_check_interval", func(c *Config) { c.Scaling.CheckInterval = 0 }},
		{"empty_groups_dir", func(c *Config) { c.Scaling.GroupsDir = "" }},
		{"invalid_log_level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"file_output_without_path", func(c *Config) {
			c.Logging.Output = "file"
			c.Logging.File.Path = ""
		}},
		{"invalid_logstream_address", func(c *Config) { c.LogStream.Address = "nowhere" }},
		{"zero_shutdown_timeout", func(c *Config) { c.Fleet.ForceShutdownTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)

			err := ValidateConfig(config)
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
		})
	}

	assert.Error(t, ValidateConfig(nil))
}

func TestGetConfigSummary(t *testing.T) {
	config := DefaultConfig()
	config.Fleet.DataDir = "/srv/fleet"
	config.Network.AllowedNetworks = []string{"10.0.0.0/8"}

	summary := GetConfigSummary(config)
	assert.Equal(t, 9090, summary.NetworkPort)
	assert.Equal(t, 50055, summary.ControlPort)
	assert.Equal(t, provider.TypeMemory, summary.ProviderType)
	assert.Equal(t, filepath.Join("/srv/fleet", "groups"), summary.GroupsDir)
	assert.Equal(t, 1, summary.AllowedNetworks)
	assert.Equal(t, config.LogStream.Address, summary.LogStreamAddress)

	assert.Equal(t, "configuration is nil", GetConfigSummary(nil).Error)
}
