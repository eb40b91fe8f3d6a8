// Package scaling decides when each group grows or shrinks and drives the
// resulting lifecycle operations.
package scaling

import (
	"time"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

type Decision string

const (
	DecisionUp   Decision = "UP"
	DecisionDown Decision = "DOWN"
	DecisionNone Decision = "NONE"
)

const (
	// Capacity assumed for a STARTING server when no RUNNING server reports one
	normalFallbackCapacity = domain.DefaultMaxPlayers
	proxyFallbackCapacity  = 100

	// Scale-up threshold used while any server is still STARTING
	startingScaleUpThreshold = 0.9
)

// View is the snapshot a policy decides on. AutoServers holds only servers the
// scaler created on its own; manually scaled servers never count.
type View struct {
	Group         *domain.GroupConfig
	AutoServers   []domain.ServerInfo
	Now           time.Time
	LastScaleUp   time.Time
	LastScaleDown time.Time
	Cooldown      time.Duration
	// Some tracked server already satisfies the scale-up metadata condition
	MetadataSatisfied bool
}

func (v View) count() int {
	return len(v.AutoServers)
}

func (v View) starting() int {
	n := 0
	for _, info := range v.AutoServers {
		if info.Status == domain.ServerStatusStarting {
			n++
		}
	}
	return n
}

func (v View) canScaleUp() bool {
	max := v.Group.Server.MaxServers
	return max == domain.UnlimitedServers || v.count() < max
}

func (v View) canScaleDown() bool {
	return v.count() > v.Group.Server.MinServers
}

func (v View) upCooldownExpired() bool {
	return v.Now.After(v.LastScaleUp.Add(v.Cooldown))
}

func (v View) downCooldownExpired() bool {
	return v.Now.After(v.LastScaleDown.Add(v.Cooldown))
}

type Policy interface {
	Name() string
	Utilization(view View) float64
	ShouldScaleUp(view View) bool
	ShouldScaleDown(view View) bool
}

// thresholdPolicy holds the decision rules both group kinds share; only the
// capacity assumed for STARTING servers differs.
type thresholdPolicy struct {
	name             string
	fallbackCapacity int
	// proxy groups scale on load alone and ignore the scale-up metadata condition
	useMetadataCondition bool
	logger               logging.Logger
}

// NewInstanceCountPolicy is used by "normal" groups
func NewInstanceCountPolicy(logger logging.Logger) Policy {
	return &thresholdPolicy{name: domain.ScalingTypeNormal, fallbackCapacity: normalFallbackCapacity, useMetadataCondition: true, logger: logger}
}

// NewUtilizationPolicy is used by "proxy" groups, whose capacity is the whole network's
func NewUtilizationPolicy(logger logging.Logger) Policy {
	return &thresholdPolicy{name: domain.ScalingTypeProxy, fallbackCapacity: proxyFallbackCapacity, logger: logger}
}

func (p *thresholdPolicy) Name() string {
	return p.name
}

// Utilization is online players over the capacity of RUNNING servers plus the
// average RUNNING capacity for every STARTING server.
func (p *thresholdPolicy) Utilization(view View) float64 {
	if view.count() == 0 {
		return 0
	}

	running, runningCapacity := 0, 0
	for _, info := range view.AutoServers {
		if info.Status == domain.ServerStatusRunning {
			running++
			runningCapacity += info.MaxPlayers
		}
	}
	averageCapacity := p.fallbackCapacity
	if running > 0 {
		averageCapacity = runningCapacity / running
	}

	players, capacity := 0, 0
	for _, info := range view.AutoServers {
		players += info.OnlinePlayers
		switch info.Status {
		case domain.ServerStatusRunning:
			capacity += info.MaxPlayers
		case domain.ServerStatusStarting:
			capacity += averageCapacity
		}
	}
	if capacity == 0 {
		return 0
	}
	return float64(players) / float64(capacity)
}

func (p *thresholdPolicy) ShouldScaleUp(view View) bool {
	utilization := p.Utilization(view)
	threshold := view.Group.Scaling.Conditions.ScaleUpThreshold

	if starting := view.starting(); starting > 0 {
		threshold = startingScaleUpThreshold
		if utilization >= threshold {
			p.logger.Debugf("High utilization (%.1f%%) with %d starting servers in %s, allowing scale up",
				utilization*100, starting, view.Group.Name)
		}
	}

	thresholdMet := utilization >= threshold
	canScale := view.canScaleUp()
	cooldownExpired := view.upCooldownExpired()

	if thresholdMet && canScale && !cooldownExpired {
		p.logger.Debugf("Scale up conditions met for %s but in cooldown for %v more",
			view.Group.Name, view.LastScaleUp.Add(view.Cooldown).Sub(view.Now).Round(time.Second))
	}
	metadataBlocks := p.useMetadataCondition && view.MetadataSatisfied
	return thresholdMet && canScale && cooldownExpired && !metadataBlocks
}

func (p *thresholdPolicy) ShouldScaleDown(view View) bool {
	utilization := p.Utilization(view)
	thresholdMet := utilization <= view.Group.Scaling.Conditions.ScaleDownThreshold
	canScale := view.canScaleDown()
	cooldownExpired := view.downCooldownExpired()

	if thresholdMet && canScale && !cooldownExpired {
		p.logger.Debugf("Scale down conditions met for %s but in cooldown for %v more",
			view.Group.Name, view.LastScaleDown.Add(view.Cooldown).Sub(view.Now).Round(time.Second))
	}
	return thresholdMet && canScale && cooldownExpired
}

// Decide applies the shared decision order: the minimum floor first, then the
// policy's scale-up rule, then its scale-down rule.
func Decide(policy Policy, view View) Decision {
	if view.count() < view.Group.Server.MinServers {
		return DecisionUp
	}
	if policy.ShouldScaleUp(view) {
		return DecisionUp
	}
	if policy.ShouldScaleDown(view) {
		return DecisionDown
	}
	return DecisionNone
}

// PolicyFactory builds the policy for a scaling type
type PolicyFactory func(logger logging.Logger) Policy

// Registry maps scaling type discriminators to policy factories
type Registry struct {
	factories map[string]PolicyFactory
}

func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]PolicyFactory)}
	r.Register(domain.ScalingTypeNormal, NewInstanceCountPolicy)
	r.Register(domain.ScalingTypeProxy, NewUtilizationPolicy)
	return r
}

func (r *Registry) Register(scalingType string, factory PolicyFactory) {
	r.factories[normalizeType(scalingType)] = factory
}

func (r *Registry) Create(scalingType string, logger logging.Logger) (Policy, bool) {
	factory, ok := r.factories[normalizeType(scalingType)]
	if !ok {
		return nil, false
	}
	return factory(logger), true
}
