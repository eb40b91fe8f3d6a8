package monitoring

import "github.com/core-tools/hsu-fleet/pkg/errors"

// ValidateProbeConfig validates probe configuration
func ValidateProbeConfig(config ProbeConfig) error {
	if err := ValidateProbeRunOptions(config.Options); err != nil {
		return errors.NewValidationError("invalid probe run options", err)
	}

	switch config.Type {
	case ProbeTypeTCP:
		if config.TCP.Address == "" {
			return errors.NewValidationError("TCP address is required for TCP probe", nil)
		}
		if config.TCP.Port <= 0 || config.TCP.Port > 65535 {
			return errors.NewValidationError("TCP port must be between 1 and 65535", nil)
		}

	case ProbeTypeExec:
		if config.Exec.Command == "" {
			return errors.NewValidationError("command is required for exec probe", nil)
		}

	case ProbeTypeProcess:
		if config.PID <= 0 {
			return errors.NewValidationError("PID is required for process probe", nil)
		}

	default:
		return errors.NewValidationError("unsupported probe type: "+string(config.Type), nil)
	}

	return nil
}

// ValidateProbeRunOptions validates probe run options
func ValidateProbeRunOptions(options ProbeRunOptions) error {
	if options.Interval <= 0 {
		return errors.NewValidationError("probe interval must be positive", nil)
	}

	if options.Timeout <= 0 {
		return errors.NewValidationError("probe timeout must be positive", nil)
	}

	if options.Timeout > options.Interval {
		return errors.NewValidationError("probe timeout must not exceed interval", nil)
	}

	if options.InitialDelay < 0 {
		return errors.NewValidationError("probe initial delay cannot be negative", nil)
	}

	if options.FailureThreshold < 1 {
		return errors.NewValidationError("probe failure threshold must be at least 1", nil)
	}

	return nil
}
