package fleet

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	corelogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

// Run loads the configuration, starts the fleet and blocks until a termination
// signal arrives or runDuration seconds have passed (0 runs until signalled).
func Run(runDuration int, configFile string, coreLogger corelogging.Logger, fleetLogger logging.Logger) error {
	fleetLogger.Infof("Fleet runner starting...")

	ctx := context.Background()
	if runDuration > 0 {
		duration := time.Duration(runDuration) * time.Second
		fleetLogger.Infof("Using RUN DURATION of %v", duration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	fleetLogger.Infof("Using CONFIGURATION FILE: %s", configFile)

	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}
	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	summary := GetConfigSummary(config)
	fleetLogger.Infof("Configuration loaded successfully from %s", configFile)
	fleetLogger.Infof("Plugin port: %d, control port: %d, provider: %s, groups: %s",
		summary.NetworkPort, summary.ControlPort, summary.ProviderType, summary.GroupsDir)

	fleet, err := New(config, Dependencies{
		Logger:     fleetLogger,
		CoreLogger: coreLogger,
	})
	if err != nil {
		return errors.NewInternalError("failed to create fleet", err)
	}

	return runUntilSignal(ctx, fleet, fleetLogger)
}

func runUntilSignal(ctx context.Context, fleet *Fleet, fleetLogger logging.Logger) error {
	if err := fleet.Start(ctx); err != nil {
		fleet.Stop(context.Background())
		return errors.NewInternalError("failed to start fleet", err)
	}

	fleetLogger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	fleetLogger.Infof("Fleet is fully operational")

	select {
	case receivedSignal := <-sig:
		fleetLogger.Infof("Fleet runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		fleetLogger.Infof("Fleet runner timed out")
	}

	// fresh context so servers are still deleted after the run duration expired
	if err := fleet.Stop(context.Background()); err != nil {
		fleetLogger.Errorf("Fleet stopped with errors: %v", err)
	}

	fleetLogger.Infof("Fleet runner stopped")
	return nil
}

// ValidateConfigFile validates a configuration file and its group files without running anything
func ValidateConfigFile(configFile string) error {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	if _, err := LoadGroups(config.Resolve(config.Scaling.GroupsDir)); err != nil {
		return errors.NewValidationError("group validation failed", err).WithContext("config_file", configFile)
	}

	return nil
}

// GetConfigSummary returns a high-level overview of the configuration
func GetConfigSummary(config *Config) ConfigSummary {
	if config == nil {
		return ConfigSummary{Error: "configuration is nil"}
	}

	return ConfigSummary{
		NetworkPort:      config.Network.Port,
		ControlPort:      config.Control.Port,
		ProviderType:     config.Provider.Type,
		GroupsDir:        config.Resolve(config.Scaling.GroupsDir),
		ServersDir:       config.Resolve(config.Fleet.ServersDir),
		AuthRequired:     config.Network.AuthRequired,
		AllowedNetworks:  len(config.Network.AllowedNetworks),
		LogLevel:         config.Logging.Level,
		LogStreamAddress: logStreamAddress(config),
	}
}

func logStreamAddress(config *Config) string {
	if !config.LogStream.Enabled {
		return ""
	}
	return config.LogStream.Address
}

// ConfigSummary provides a high-level overview of configuration
type ConfigSummary struct {
	NetworkPort      int    `json:"network_port"`
	ControlPort      int    `json:"control_port"`
	ProviderType     string `json:"provider_type"`
	GroupsDir        string `json:"groups_dir"`
	ServersDir       string `json:"servers_dir"`
	AuthRequired     bool   `json:"auth_required"`
	AllowedNetworks  int    `json:"allowed_networks"`
	LogLevel         string `json:"log_level"`
	LogStreamAddress string `json:"log_stream_address,omitempty"`
	Error            string `json:"error,omitempty"`
}
