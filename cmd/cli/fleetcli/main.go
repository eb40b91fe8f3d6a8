package main

import (
	"context"
	"fmt"
	"os"
	"time"

	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	coreControl "github.com/core-tools/hsu-core/pkg/control"
	coreDomain "github.com/core-tools/hsu-core/pkg/domain"
	coreLogging "github.com/core-tools/hsu-core/pkg/logging"

	fleetControl "github.com/core-tools/hsu-fleet/pkg/control"
	"github.com/core-tools/hsu-fleet/pkg/domain"
	fleetLogging "github.com/core-tools/hsu-fleet/pkg/logging"

	"github.com/spf13/cobra"
)

var (
	serverPath   string
	attachPort   int
	outputFormat string
	verbose      bool
	timeout      time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "fleetcli",
	Short: "Operate a running fleet",
	Long: `fleetcli talks to the control service of a running fleet.

It can list groups and servers, run lifecycle actions on single servers,
scale groups manually and forward console commands to server plugins.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverPath, "server", "", "path to the fleet server executable to launch")
	rootCmd.PersistentFlags().IntVarP(&attachPort, "port", "p", 50055, "control port of a running fleet")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log connection details")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 3*time.Minute, "overall command timeout")
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
}

// connect attaches to the fleet control service and waits until it answers pings
func connect(ctx context.Context) (domain.Contract, error) {
	logger := sprintfLogging.NewStdSprintfLogger()
	funcs := coreLogging.LogFuncs{}
	fleetFuncs := fleetLogging.LogFuncs{}
	if verbose {
		funcs = coreLogging.LogFuncs{
			Debugf: logger.Debugf,
			Infof:  logger.Infof,
			Warnf:  logger.Warnf,
			Errorf: logger.Errorf,
		}
		fleetFuncs = fleetLogging.LogFuncs{
			Debugf: logger.Debugf,
			Infof:  logger.Infof,
			Warnf:  logger.Warnf,
			Errorf: logger.Errorf,
		}
	}
	coreLogger := coreLogging.NewLogger(logPrefix("hsu-core"), funcs)
	fleetLogger := fleetLogging.NewLogger(logPrefix("hsu-fleet"), fleetFuncs)

	if serverPath == "" && attachPort == 0 {
		return nil, fmt.Errorf("server path or attach port is required")
	}

	coreConnectionOptions := coreControl.ConnectionOptions{
		ServerPath: serverPath,
		AttachPort: attachPort,
	}
	coreConnection, err := coreControl.NewConnection(coreConnectionOptions, coreLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create core connection: %w", err)
	}

	coreClientGateway := coreControl.NewGRPCClientGateway(coreConnection.GRPC(), coreLogger)

	retryPingOptions := coreDomain.RetryPingOptions{
		RetryAttempts: 10,
		RetryInterval: 1 * time.Second,
	}
	if err := coreDomain.RetryPing(ctx, coreClientGateway, retryPingOptions, coreLogger); err != nil {
		return nil, fmt.Errorf("fleet is not reachable: %w", err)
	}

	return fleetControl.NewGRPCClientGateway(coreConnection.GRPC(), fleetLogger), nil
}

// withFleet runs fn against a connected fleet within the command timeout
func withFleet(fn func(ctx context.Context, fleet domain.Contract) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fleet, err := connect(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, fleet)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
