package provider

import (
	"time"
)

type StartReason string

const (
	StartReasonUserCommand   StartReason = "USER_COMMAND"
	StartReasonScalingUp     StartReason = "SCALING_UP"
	StartReasonRestart       StartReason = "RESTART"
	StartReasonRecovery      StartReason = "RECOVERY"
	StartReasonSystemStartup StartReason = "SYSTEM_STARTUP"
)

type DeletionReason string

const (
	DeletionReasonUserCommand    DeletionReason = "USER_COMMAND"
	DeletionReasonScalingDown    DeletionReason = "SCALING_DOWN"
	DeletionReasonConnectionLost DeletionReason = "CONNECTION_LOST"
	DeletionReasonSystemShutdown DeletionReason = "SYSTEM_SHUTDOWN"
	DeletionReasonErrorRecovery  DeletionReason = "ERROR_RECOVERY"
	DeletionReasonServerRestart  DeletionReason = "SERVER_RESTART"
)

const (
	DefaultStartTimeout    = 120 * time.Second
	DefaultDeletionTimeout = 30 * time.Second
)

// StartOptions controls a start workflow. Values are built by the factories below
// and never mutated afterwards.
type StartOptions struct {
	Reason            StartReason
	PrepareDirectory  bool
	ApplyTemplates    bool
	ValidateResources bool
	WaitForReady      bool
	Timeout           time.Duration
	CleanupOnFailure  bool
	AddToTracking     bool
}

func defaultStartOptions(reason StartReason) StartOptions {
	return StartOptions{
		Reason:            reason,
		PrepareDirectory:  true,
		ApplyTemplates:    true,
		ValidateResources: true,
		Timeout:           DefaultStartTimeout,
		CleanupOnFailure:  true,
		AddToTracking:     true,
	}
}

func StartUserCommand() StartOptions {
	return defaultStartOptions(StartReasonUserCommand)
}

func StartScalingUp() StartOptions {
	return defaultStartOptions(StartReasonScalingUp)
}

// StartRestart keeps the existing directory and leaves it in place if the start fails
func StartRestart() StartOptions {
	o := defaultStartOptions(StartReasonRestart)
	o.PrepareDirectory = false
	o.CleanupOnFailure = false
	return o
}

func StartRecovery() StartOptions {
	o := defaultStartOptions(StartReasonRecovery)
	o.ApplyTemplates = false
	o.ValidateResources = false
	return o
}

func StartSystemStartup() StartOptions {
	return defaultStartOptions(StartReasonSystemStartup)
}

// DeletionOptions controls a stop or delete workflow
type DeletionOptions struct {
	Reason             DeletionReason
	CleanupDirectory   bool
	GracefulStop       bool
	Timeout            time.Duration
	RemoveFromTracking bool
}

func defaultDeletionOptions(reason DeletionReason) DeletionOptions {
	return DeletionOptions{
		Reason:             reason,
		CleanupDirectory:   true,
		GracefulStop:       true,
		Timeout:            DefaultDeletionTimeout,
		RemoveFromTracking: true,
	}
}

func DeleteUserCommand() DeletionOptions {
	return defaultDeletionOptions(DeletionReasonUserCommand)
}

func DeleteScalingDown() DeletionOptions {
	return defaultDeletionOptions(DeletionReasonScalingDown)
}

func DeleteConnectionLost() DeletionOptions {
	o := defaultDeletionOptions(DeletionReasonConnectionLost)
	o.GracefulStop = false
	o.Timeout = 10 * time.Second
	return o
}

func DeleteSystemShutdown() DeletionOptions {
	o := defaultDeletionOptions(DeletionReasonSystemShutdown)
	o.GracefulStop = false
	o.Timeout = 10 * time.Second
	return o
}

func DeleteErrorRecovery() DeletionOptions {
	o := defaultDeletionOptions(DeletionReasonErrorRecovery)
	o.GracefulStop = false
	o.Timeout = 5 * time.Second
	return o
}

// DeleteServerRestart stops without touching the directory or tracking
func DeleteServerRestart() DeletionOptions {
	o := defaultDeletionOptions(DeletionReasonServerRestart)
	o.CleanupDirectory = false
	o.RemoveFromTracking = false
	return o
}
