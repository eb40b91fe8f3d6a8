package domain

import (
	"strings"
)

const (
	ScalingTypeNormal = "normal"
	ScalingTypeProxy  = "proxy"

	NamingIdentifierOrdered = "ordered"
	NamingIdentifierUUID    = "uuid"

	// UnlimitedServers as max-servers removes the ceiling
	UnlimitedServers = -1
)

// GroupConfig is a group definition loaded from groups/<name>.yml.
// It is treated as immutable; reload replaces it wholesale.
type GroupConfig struct {
	Name            string                `yaml:"name"`
	DisplayName     string                `yaml:"display-name,omitempty"`
	Priority        int                   `yaml:"priority"`
	Server          ServerSettings        `yaml:"server"`
	Scaling         ScalingSettings       `yaml:"scaling"`
	Templates       []string              `yaml:"templates,omitempty"`
	ServiceProvider ServiceProviderConfig `yaml:"service-provider,omitempty"`
}

type ServerSettings struct {
	Type       ServerType     `yaml:"type"`
	Naming     NamingSettings `yaml:"naming"`
	MinServers int            `yaml:"min-servers"`
	MaxServers int            `yaml:"max-servers"`
}

type NamingSettings struct {
	Identifier  string `yaml:"identifier,omitempty"`
	NamePattern string `yaml:"naming-pattern,omitempty"`
}

type ScalingSettings struct {
	Type            string            `yaml:"type"`
	CooldownSeconds int               `yaml:"cooldown-seconds,omitempty"`
	Conditions      ScalingConditions `yaml:"conditions"`
}

type ScalingConditions struct {
	ScaleUpThreshold   float64 `yaml:"scale-up-threshold"`
	ScaleDownThreshold float64 `yaml:"scale-down-threshold"`
	// Scale up only while no tracked server matches this expression
	ScaleUpMetadataCondition string `yaml:"scale-up-metadata-condition,omitempty"`
	// Servers matching this expression are never picked for scale-down
	ScaleDownProtectedCondition string `yaml:"scale-down-protected-condition,omitempty"`
}

// ServiceProviderConfig holds backend-specific parameters; only the block matching
// the configured provider is read.
type ServiceProviderConfig struct {
	Process    *ProcessSettings    `yaml:"process,omitempty"`
	Kubernetes *KubernetesSettings `yaml:"kubernetes,omitempty"`
}

type ProcessSettings struct {
	ExecutablePath string            `yaml:"executable-path"`
	Args           []string          `yaml:"args,omitempty"`
	Environment    map[string]string `yaml:"environment,omitempty"`
	// Seconds to wait after the interrupt before the process is killed
	StopGraceSeconds int `yaml:"stop-grace-seconds,omitempty"`
}

type KubernetesSettings struct {
	Image       string            `yaml:"image"`
	Command     []string          `yaml:"command,omitempty"`
	Memory      string            `yaml:"memory,omitempty"`
	CPU         string            `yaml:"cpu,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Port        int               `yaml:"port,omitempty"`
}

// IsProxy reports whether the group uses the utilization policy
func (g *GroupConfig) IsProxy() bool {
	return strings.EqualFold(g.Scaling.Type, ScalingTypeProxy)
}

func (g *GroupConfig) ServerType() ServerType {
	if strings.EqualFold(string(g.Server.Type), string(ServerTypeStatic)) {
		return ServerTypeStatic
	}
	return ServerTypeDynamic
}

func (g *GroupConfig) HasTemplates() bool {
	return len(g.Templates) > 0
}

// NamePattern returns the configured naming pattern or "<group>-{id}"
func (g *GroupConfig) NamePattern() string {
	if g.Server.Naming.NamePattern != "" {
		return g.Server.Naming.NamePattern
	}
	return strings.ToLower(g.Name) + "-{id}"
}

func (g *GroupConfig) UsesUUIDNaming() bool {
	return strings.EqualFold(g.Server.Naming.Identifier, NamingIdentifierUUID)
}

func (g *GroupConfig) DisplayNameOrName() string {
	if g.DisplayName != "" {
		return g.DisplayName
	}
	return g.Name
}
