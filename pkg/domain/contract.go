package domain

import (
	"context"
)

// GroupStatus summarises one group's scaling state for operators
type GroupStatus struct {
	Name            string  `json:"name"`
	ScalingType     string  `json:"scalingType"`
	Utilization     float64 `json:"utilization"`
	AutoServers     int     `json:"autoServers"`
	ManualServers   int     `json:"manualServers"`
	MinServers      int     `json:"minServers"`
	MaxServers      int     `json:"maxServers"`
	OnlinePlayers   int     `json:"onlinePlayers"`
	Paused          bool    `json:"paused"`
	PendingRemovals int     `json:"pendingRemovals"`
}

// ServerAction is a lifecycle directive addressed to a single server
type ServerAction string

const (
	ServerActionStart   ServerAction = "START"
	ServerActionStop    ServerAction = "STOP"
	ServerActionRestart ServerAction = "RESTART"
	ServerActionRemove  ServerAction = "REMOVE"
)

// ScaleDirection is a manual scaling request for a group
type ScaleDirection string

const (
	ScaleDirectionUp     ScaleDirection = "UP"
	ScaleDirectionDown   ScaleDirection = "DOWN"
	ScaleDirectionPause  ScaleDirection = "PAUSE"
	ScaleDirectionResume ScaleDirection = "RESUME"
)

// Contract is the operator-facing control surface of the fleet
type Contract interface {
	Status(ctx context.Context) (string, error)
	ListGroups(ctx context.Context) ([]GroupStatus, error)
	ListServers(ctx context.Context, group string) ([]ServerInfo, error)
	ControlServer(ctx context.Context, serverIdentifier string, action ServerAction) error
	ScaleGroup(ctx context.Context, group string, direction ScaleDirection) error
	SendCommand(ctx context.Context, serverIdentifier string, command string) error
}
