package fleet

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logcollection"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/logstream"
	"github.com/core-tools/hsu-fleet/pkg/network"
	"github.com/core-tools/hsu-fleet/pkg/provider"
	"github.com/core-tools/hsu-fleet/pkg/scaling"
)

// EnvPrefix prefixes environment overrides, e.g. HSU_FLEET_NETWORK_PORT
const EnvPrefix = "HSU_FLEET"

// Config is the top-level structure of fleet.yaml
type Config struct {
	Fleet         Options              `mapstructure:"fleet" yaml:"fleet"`
	Network       network.Config       `mapstructure:"network" yaml:"network"`
	Scaling       scaling.Config       `mapstructure:"scaling" yaml:"scaling"`
	Provider      ProviderConfig       `mapstructure:"provider" yaml:"provider"`
	Control       ControlConfig        `mapstructure:"control" yaml:"control"`
	LogStream     logstream.Config     `mapstructure:"logstream" yaml:"logstream"`
	Logging       logging.ZapConfig    `mapstructure:"logging" yaml:"logging"`
	LogCollection logcollection.Config `mapstructure:"log_collection" yaml:"log_collection"`
}

type Options struct {
	// Relative directories below are resolved against DataDir
	DataDir              string        `mapstructure:"data_dir" yaml:"data_dir"`
	ServersDir           string        `mapstructure:"servers_dir" yaml:"servers_dir"`
	TemplatesDir         string        `mapstructure:"templates_dir" yaml:"templates_dir"`
	WatchGroups          bool          `mapstructure:"watch_groups" yaml:"watch_groups"`
	ForceShutdownTimeout time.Duration `mapstructure:"force_shutdown_timeout" yaml:"force_shutdown_timeout"`
}

type ProviderConfig struct {
	Type       string                    `mapstructure:"type" yaml:"type"`
	Memory     provider.MemoryConfig     `mapstructure:"memory" yaml:"memory"`
	Process    provider.ProcessConfig    `mapstructure:"process" yaml:"process"`
	Kubernetes provider.KubernetesConfig `mapstructure:"kubernetes" yaml:"kubernetes"`
}

// ControlConfig is the operator gRPC endpoint
type ControlConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// DefaultConfig returns the configuration used when fleet.yaml sets nothing
func DefaultConfig() *Config {
	v := viper.New()
	setConfigDefaults(v)

	var config Config
	// defaults always decode
	_ = v.Unmarshal(&config)
	return &config
}

// LoadConfigFromFile loads fleet configuration from a YAML file. Environment
// variables prefixed with HSU_FLEET_ override file values.
func LoadConfigFromFile(filename string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filename)
	v.SetConfigType("yaml")
	setConfigDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.NewValidationError("failed to parse configuration", err).WithContext("filename", filename)
	}

	if config.Fleet.DataDir == "" {
		config.Fleet.DataDir = filepath.Dir(filename)
	}

	return &config, nil
}

// setConfigDefaults registers every key so that environment overrides apply to it
func setConfigDefaults(v *viper.Viper) {
	v.SetDefault("fleet.data_dir", "")
	v.SetDefault("fleet.servers_dir", "servers")
	v.SetDefault("fleet.templates_dir", "templates")
	v.SetDefault("fleet.watch_groups", true)
	v.SetDefault("fleet.force_shutdown_timeout", 30*time.Second)

	net := network.DefaultConfig()
	v.SetDefault("network.bind_address", net.BindAddress)
	v.SetDefault("network.port", net.Port)
	v.SetDefault("network.connection_timeout", net.ConnectionTimeout)
	v.SetDefault("network.sweep_interval", net.SweepInterval)
	v.SetDefault("network.read_timeout", net.ReadTimeout)
	v.SetDefault("network.write_timeout", net.WriteTimeout)
	v.SetDefault("network.control_timeout", net.ControlTimeout)
	v.SetDefault("network.auth_required", net.AuthRequired)
	v.SetDefault("network.key", net.Key)
	v.SetDefault("network.allowed_networks", []string{})

	scale := scaling.DefaultConfig()
	v.SetDefault("scaling.check_interval", scale.CheckInterval)
	v.SetDefault("scaling.cooldown", scale.Cooldown)
	v.SetDefault("scaling.groups_dir", scale.GroupsDir)

	memory := provider.DefaultMemoryConfig()
	process := provider.DefaultProcessConfig()
	kube := provider.DefaultKubernetesConfig()
	v.SetDefault("provider.type", provider.TypeMemory)
	v.SetDefault("provider.memory.first_port", memory.FirstPort)
	v.SetDefault("provider.memory.startup_delay", memory.StartupDelay)
	v.SetDefault("provider.memory.stop_delay", memory.StopDelay)
	v.SetDefault("provider.memory.heartbeat_interval", memory.HeartbeatInterval)
	v.SetDefault("provider.memory.simulate_players", memory.SimulatePlayers)
	v.SetDefault("provider.process.first_port", process.FirstPort)
	v.SetDefault("provider.process.bind_address", process.BindAddress)
	v.SetDefault("provider.process.stop_grace", process.StopGrace)
	v.SetDefault("provider.process.probe.interval", process.Probe.Interval)
	v.SetDefault("provider.process.probe.timeout", process.Probe.Timeout)
	v.SetDefault("provider.process.probe.initial_delay", process.Probe.InitialDelay)
	v.SetDefault("provider.process.probe.failure_threshold", process.Probe.FailureThreshold)
	v.SetDefault("provider.kubernetes.kubeconfig", kube.Kubeconfig)
	v.SetDefault("provider.kubernetes.context", kube.Context)
	v.SetDefault("provider.kubernetes.namespace", kube.Namespace)
	v.SetDefault("provider.kubernetes.poll_interval", kube.PollInterval)
	v.SetDefault("provider.kubernetes.stop_grace", kube.StopGrace)

	v.SetDefault("control.port", 50055)

	stream := logstream.DefaultConfig()
	v.SetDefault("logstream.enabled", stream.Enabled)
	v.SetDefault("logstream.address", stream.Address)
	v.SetDefault("logstream.history_lines", stream.HistoryLines)

	zap := logging.DefaultZapConfig()
	v.SetDefault("logging.level", zap.Level)
	v.SetDefault("logging.format", zap.Format)
	v.SetDefault("logging.output", zap.Output)
	v.SetDefault("logging.caller", zap.Caller)
	v.SetDefault("logging.stacktrace", zap.Stacktrace)
	v.SetDefault("logging.file.path", zap.File.Path)
	v.SetDefault("logging.file.max_size_mb", zap.File.MaxSizeMB)
	v.SetDefault("logging.file.max_backups", zap.File.MaxBackups)
	v.SetDefault("logging.file.max_age_days", zap.File.MaxAgeDays)
	v.SetDefault("logging.file.compress", zap.File.Compress)

	logs := logcollection.DefaultConfig()
	v.SetDefault("log_collection.buffer_lines", logs.BufferLines)
	v.SetDefault("log_collection.file.enabled", logs.File.Enabled)
	v.SetDefault("log_collection.file.path", logs.File.Path)
	v.SetDefault("log_collection.file.max_size_mb", logs.File.MaxSizeMB)
	v.SetDefault("log_collection.file.max_backups", logs.File.MaxBackups)
	v.SetDefault("log_collection.file.max_age_days", logs.File.MaxAgeDays)
	v.SetDefault("log_collection.file.compress", logs.File.Compress)
}

// Resolve returns path unchanged when absolute, otherwise joined to the data directory
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.Fleet.DataDir == "" {
		return path
	}
	return filepath.Join(c.Fleet.DataDir, path)
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *Config) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateFleetOptions(&config.Fleet); err != nil {
		return errors.NewValidationError("invalid fleet configuration", err)
	}
	if err := validateNetworkConfig(&config.Network); err != nil {
		return errors.NewValidationError("invalid network configuration", err)
	}
	if err := validateScalingConfig(&config.Scaling); err != nil {
		return errors.NewValidationError("invalid scaling configuration", err)
	}
	if err := validateProviderConfig(&config.Provider); err != nil {
		return errors.NewValidationError("invalid provider configuration", err)
	}
	if err := ValidatePort(config.Control.Port); err != nil {
		return errors.NewValidationError("invalid control configuration", err).WithContext("valid_range", "1-65535")
	}
	if config.LogStream.Enabled {
		if err := ValidateNetworkAddress(config.LogStream.Address); err != nil {
			return errors.NewValidationError("invalid logstream configuration", err)
		}
	}
	if err := validateLoggingConfig(&config.Logging); err != nil {
		return errors.NewValidationError("invalid logging configuration", err)
	}

	return nil
}

func validateFleetOptions(options *Options) error {
	if options.ServersDir == "" {
		return errors.NewValidationError("servers directory cannot be empty", nil)
	}
	if options.TemplatesDir == "" {
		return errors.NewValidationError("templates directory cannot be empty", nil)
	}
	return ValidateTimeout(options.ForceShutdownTimeout, "force shutdown")
}

func validateNetworkConfig(config *network.Config) error {
	if config.BindAddress == "" {
		return errors.NewValidationError("bind address cannot be empty", nil)
	}
	if err := ValidatePort(config.Port); err != nil {
		return err
	}
	if err := ValidateTimeout(config.ConnectionTimeout, "connection"); err != nil {
		return err
	}
	if err := ValidateTimeout(config.SweepInterval, "sweep"); err != nil {
		return err
	}
	if config.SweepInterval > config.ConnectionTimeout {
		return errors.NewValidationError(
			fmt.Sprintf("sweep interval %v exceeds connection timeout %v", config.SweepInterval, config.ConnectionTimeout),
			nil,
		)
	}
	if _, err := network.NewValidator(config.AllowedNetworks, logging.NewLogger("", logging.LogFuncs{})); err != nil {
		return err
	}
	return nil
}

func validateScalingConfig(config *scaling.Config) error {
	if err := ValidateTimeout(config.CheckInterval, "scaling check"); err != nil {
		return err
	}
	if config.Cooldown < 0 {
		return errors.NewValidationError("scaling cooldown cannot be negative", nil)
	}
	if config.GroupsDir == "" {
		return errors.NewValidationError("groups directory cannot be empty", nil)
	}
	return nil
}

func validateProviderConfig(config *ProviderConfig) error {
	switch config.Type {
	case provider.TypeMemory:
		return nil
	case provider.TypeProcess:
		if config.Process.FirstPort != 0 {
			return ValidatePort(config.Process.FirstPort)
		}
		return nil
	case provider.TypeKubernetes:
		if config.Kubernetes.Namespace == "" {
			return errors.NewValidationError("kubernetes namespace cannot be empty", nil)
		}
		return nil
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported provider type: %s", config.Type),
			nil,
		).WithContext("supported_types", strings.Join([]string{provider.TypeMemory, provider.TypeProcess, provider.TypeKubernetes}, ", "))
	}
}

func validateLoggingConfig(config *logging.ZapConfig) error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if config.Level != "" {
		valid := false
		for _, level := range validLogLevels {
			if config.Level == level {
				valid = true
				break
			}
		}
		if !valid {
			return errors.NewValidationError(
				fmt.Sprintf("invalid log level: %s", config.Level),
				nil,
			).WithContext("valid_levels", "debug, info, warn, error")
		}
	}

	switch config.Output {
	case "", "stdout", "stderr":
	case "file":
		if config.File.Path == "" {
			return errors.NewValidationError("log file path is required for file output", nil)
		}
	default:
		return errors.NewValidationError(
			fmt.Sprintf("invalid log output: %s", config.Output),
			nil,
		).WithContext("valid_outputs", "stdout, stderr, file")
	}

	return nil
}
