package main

import (
	"fmt"
	"os"

	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"

	coreLogging "github.com/core-tools/hsu-core/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/fleet"
	fleetLogging "github.com/core-tools/hsu-fleet/pkg/logging"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"path to the fleet configuration file" default:"fleet.yaml"`
	RunDuration int    `long:"run-duration" description:"stop after this many seconds, 0 runs until signalled"`
	Validate    bool   `long:"validate" description:"validate the configuration and group files, then exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-server , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if opts.Validate {
		if err := fleet.ValidateConfigFile(opts.Config); err != nil {
			fmt.Printf("Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is valid")
		return
	}

	config, err := fleet.LoadConfigFromFile(opts.Config)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	zapConfig := config.Logging
	zapConfig.File.Path = config.Resolve(zapConfig.File.Path)

	zapAdapter, err := fleetLogging.NewZapAdapter(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapAdapter.Sync()

	logger := sprintfLogging.NewStdSprintfLogger()

	logger.Infof("opts: %+v", opts)

	coreLogger := coreLogging.NewLogger(
		logPrefix("hsu-core"), coreLogging.LogFuncs{
			Debugf: logger.Debugf,
			Infof:  logger.Infof,
			Warnf:  logger.Warnf,
			Errorf: logger.Errorf,
		})
	fleetLogger := fleetLogging.NewLogger(logPrefix("hsu-fleet"), zapAdapter.LogFuncs())

	if err := fleet.Run(opts.RunDuration, opts.Config, coreLogger, fleetLogger); err != nil {
		fleetLogger.Errorf("Fleet failed: %v", err)
		zapAdapter.Sync()
		os.Exit(1)
	}
}
