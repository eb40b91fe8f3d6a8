package scaling

import (
	"context"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/lifecycle"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/provider"
)

type Config struct {
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	Cooldown      time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	GroupsDir     string        `mapstructure:"groups_dir" yaml:"groups_dir"`
}

func DefaultConfig() Config {
	return Config{
		CheckInterval: 5 * time.Second,
		Cooldown:      60 * time.Second,
		GroupsDir:     "groups",
	}
}

type Dependencies struct {
	Service     *lifecycle.Service
	Broadcaster Broadcaster
	Registry    *Registry
	Logger      logging.Logger
	Now         func() time.Time
}

// Manager owns one Scaler per group and runs the periodic scaling tick.
// It is also the lifecycle registry: group lookups and tracking go through it.
type Manager struct {
	config      Config
	service     *lifecycle.Service
	provider    provider.Provider
	broadcaster Broadcaster
	registry    *Registry
	logger      logging.Logger
	now         func() time.Time

	mutex   sync.RWMutex
	scalers []*Scaler

	runMutex sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewManager(config Config, deps Dependencies) *Manager {
	defaults := DefaultConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.Cooldown < 0 {
		config.Cooldown = 0
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	m := &Manager{
		config:      config,
		service:     deps.Service,
		provider:    deps.Service.Manager().Provider(),
		broadcaster: deps.Broadcaster,
		registry:    deps.Registry,
		logger:      deps.Logger,
		now:         deps.Now,
	}

	deps.Service.Manager().SetRegistry(m)
	m.provider.SetStatusListener(m.onStatusChange)
	return m
}

// Load builds a scaler for every group. Groups with an unknown scaling type or a
// duplicate name are skipped and reported in the returned error.
func (m *Manager) Load(groups []*domain.GroupConfig) error {
	collection := errors.NewErrorCollection()
	scalers := make([]*Scaler, 0, len(groups))
	seen := make(map[string]struct{}, len(groups))

	for _, group := range groups {
		key := strings.ToLower(group.Name)
		if _, duplicate := seen[key]; duplicate {
			m.logger.Errorf("Duplicate group definition: %s", group.Name)
			collection.Add(errors.NewConflictError("duplicate group", nil).WithContext("group", group.Name))
			continue
		}

		if strings.TrimSpace(group.Scaling.Type) == "" {
			m.logger.Errorf("No scaling type defined in group %s", group.Name)
			collection.Add(errors.NewValidationError("no scaling type defined", nil).WithContext("group", group.Name))
			continue
		}

		groupLogger := logging.WithPrefix(m.logger, "group: "+group.Name+" , ")
		policy, ok := m.registry.Create(group.Scaling.Type, groupLogger)
		if !ok {
			m.logger.Errorf("Failed to create scaler for type %s in group %s", group.Scaling.Type, group.Name)
			collection.Add(errors.NewValidationError("unknown scaling type", nil).
				WithContext("group", group.Name).
				WithContext("type", group.Scaling.Type))
			continue
		}

		seen[key] = struct{}{}
		scalers = append(scalers, NewScaler(group, policy, m.service, m.broadcaster, ScalerOptions{
			DefaultCooldown: m.config.Cooldown,
			Now:             m.now,
		}, groupLogger))
		m.logger.Infof("Loaded scaler %s with type %s", group.Name, policy.Name())
	}

	sortScalers(scalers)

	m.mutex.Lock()
	m.scalers = scalers
	m.mutex.Unlock()

	return collection.ToError()
}

// sortScalers orders instance-count groups before utilization groups, then by priority
func sortScalers(scalers []*Scaler) {
	sort.SliceStable(scalers, func(i, j int) bool {
		pi, pj := scalers[i].IsProxy(), scalers[j].IsProxy()
		if pi != pj {
			return !pi
		}
		return scalers[i].Group().Priority < scalers[j].Group().Priority
	})
}

// EnsureResourcesReady blocks until the provider has prepared every group
func (m *Manager) EnsureResourcesReady(ctx context.Context) error {
	return m.ensureResourcesReady(ctx, m.groups())
}

func (m *Manager) ensureResourcesReady(ctx context.Context, groups []*domain.GroupConfig) error {
	m.logger.Infof("Ensuring all resources are ready before starting scalers...")

	g, gctx := errgroup.WithContext(ctx)
	for _, group := range groups {
		g.Go(func() error {
			if err := m.provider.EnsureResourcesReady(gctx, group); err != nil {
				m.logger.Errorf("Failed to prepare resources for group %s: %v", group.Name, err)
				return errors.NewProviderError("cannot start scaling - resource preparation failed", err).WithContext("group", group.Name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.logger.Infof("All resources are ready")
	return nil
}

// Start runs the resource barrier and then the periodic tick
func (m *Manager) Start(ctx context.Context) error {
	m.runMutex.Lock()
	defer m.runMutex.Unlock()

	if m.running {
		return errors.NewConflictError("scaling manager already started", nil)
	}
	if err := m.EnsureResourcesReady(ctx); err != nil {
		return err
	}

	m.stopChan = make(chan struct{})
	m.running = true
	m.wg.Add(1)
	go m.loop(m.stopChan)

	m.logger.Infof("Starting scaling task with interval: %v", m.config.CheckInterval)
	return nil
}

func (m *Manager) loop(stopChan chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick(stopChan)
		case <-stopChan:
			return
		}
	}
}

// Tick evaluates every group once in tick order
func (m *Manager) Tick() {
	m.tick(nil)
}

func (m *Manager) tick(stopChan chan struct{}) {
	scalers := m.Scalers()
	m.logger.Debugf("Performing scaling check for %d scalers", len(scalers))

	for _, scaler := range scalers {
		if stopChan != nil {
			select {
			case <-stopChan:
				return
			default:
			}
		}
		m.tickScaler(scaler)
	}
}

func (m *Manager) tickScaler(scaler *Scaler) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("Error during scaling check for group: %s: %v\n%s", scaler.Name(), r, debug.Stack())
		}
	}()

	m.logger.Debugf("%s", scaler.StatusLine())
	scaler.Tick()
}

// stopLoop halts the tick and reports whether it was running
func (m *Manager) stopLoop() bool {
	m.runMutex.Lock()
	defer m.runMutex.Unlock()

	if !m.running {
		return false
	}
	close(m.stopChan)
	m.wg.Wait()
	m.running = false
	return true
}

// Reload prepares resources for the new groups, shuts down every current scaler
// and replaces them. A failed resource barrier keeps the current scalers.
func (m *Manager) Reload(ctx context.Context, groups []*domain.GroupConfig) error {
	m.logger.Infof("Reloading scaler configurations")

	if err := m.ensureResourcesReady(ctx, groups); err != nil {
		return err
	}
	if err := m.shutdownScalers(ctx); err != nil {
		m.logger.Errorf("Error shutting down scalers during reload: %v", err)
	}
	if err := m.Load(groups); err != nil {
		return err
	}

	m.logger.Infof("Scaler configurations reloaded successfully")
	return nil
}

// Shutdown cancels the tick and shuts down every scaler
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Infof("Shutting down scaling manager")
	m.stopLoop()

	err := m.shutdownScalers(ctx)

	m.mutex.Lock()
	m.scalers = nil
	m.mutex.Unlock()
	return err
}

func (m *Manager) shutdownScalers(ctx context.Context) error {
	scalers := m.Scalers()

	var mutex sync.Mutex
	collection := errors.NewErrorCollection()
	var g errgroup.Group
	for _, scaler := range scalers {
		g.Go(func() error {
			if err := scaler.Shutdown(ctx); err != nil {
				m.logger.Errorf("Error shutting down scaler for group: %s: %v", scaler.Name(), err)
				mutex.Lock()
				collection.Add(err)
				mutex.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return collection.ToError()
}

// Scalers returns the scalers in tick order
func (m *Manager) Scalers() []*Scaler {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]*Scaler(nil), m.scalers...)
}

func (m *Manager) groups() []*domain.GroupConfig {
	scalers := m.Scalers()
	groups := make([]*domain.GroupConfig, len(scalers))
	for i, scaler := range scalers {
		groups[i] = scaler.Group()
	}
	return groups
}

// Scaler finds a group by exact name, then case-insensitively, then by display name
func (m *Manager) Scaler(name string) (*Scaler, bool) {
	scalers := m.Scalers()
	for _, scaler := range scalers {
		if scaler.Name() == name {
			return scaler, true
		}
	}
	for _, scaler := range scalers {
		if strings.EqualFold(scaler.Name(), name) {
			return scaler, true
		}
	}
	for _, scaler := range scalers {
		if display := scaler.Group().DisplayName; display != "" && strings.EqualFold(display, name) {
			return scaler, true
		}
	}
	return nil, false
}

// Group implements lifecycle.Registry
func (m *Manager) Group(name string) (*domain.GroupConfig, bool) {
	scaler, ok := m.Scaler(name)
	if !ok {
		return nil, false
	}
	return scaler.Group(), true
}

// Track implements lifecycle.Registry
func (m *Manager) Track(server *domain.Server) {
	scaler, ok := m.Scaler(server.Group())
	if !ok {
		m.logger.Warnf("No scaler found for group %s, server %s is not tracked", server.Group(), server.Name())
		return
	}
	scaler.AddServer(server)
}

// Untrack implements lifecycle.Registry
func (m *Manager) Untrack(serverID string) {
	for _, scaler := range m.Scalers() {
		if scaler.Untrack(serverID) {
			return
		}
	}
}

func (m *Manager) scalerFor(serverID string) (*Scaler, *domain.Server, bool) {
	for _, scaler := range m.Scalers() {
		if server, ok := scaler.Server(serverID); ok {
			return scaler, server, true
		}
	}
	return nil, nil, false
}

func (m *Manager) Server(serverID string) (*domain.Server, bool) {
	_, server, ok := m.scalerFor(serverID)
	return server, ok
}

// FindServer resolves an operator-supplied identifier: server id first, then name
func (m *Manager) FindServer(identifier string) (*domain.Server, bool) {
	if server, ok := m.Server(identifier); ok {
		return server, true
	}
	for _, server := range m.AllServers() {
		if strings.EqualFold(server.Name(), identifier) {
			return server, true
		}
	}
	return nil, false
}

func (m *Manager) AllServers() []*domain.Server {
	servers := []*domain.Server{}
	for _, scaler := range m.Scalers() {
		servers = append(servers, scaler.Servers()...)
	}
	return servers
}

func (m *Manager) ServersByGroup(group string) []*domain.Server {
	scaler, ok := m.Scaler(group)
	if !ok {
		return []*domain.Server{}
	}
	return scaler.Servers()
}

// UpdateServerInfo routes a server's own status report to its scaler
func (m *Manager) UpdateServerInfo(serverID string, info domain.ServerInfo) bool {
	scaler, _, ok := m.scalerFor(serverID)
	if !ok {
		m.logger.Warnf("Received server info for untracked server: %s", serverID)
		return false
	}
	return scaler.UpdateServerInfo(serverID, info)
}

func (m *Manager) UpdateHeartbeat(serverID string) bool {
	scaler, _, ok := m.scalerFor(serverID)
	if !ok {
		return false
	}
	return scaler.UpdateHeartbeat(serverID)
}

// UpdatePlayerCount routes heartbeat player counts to the server's scaler
func (m *Manager) UpdatePlayerCount(serverID string, online, max int) bool {
	scaler, _, ok := m.scalerFor(serverID)
	if !ok {
		return false
	}
	return scaler.UpdatePlayerCount(serverID, online, max)
}

func (m *Manager) onStatusChange(info domain.ServerInfo, previous domain.ServerStatus) {
	scaler, _, ok := m.scalerFor(info.ServerID)
	if !ok {
		return
	}
	scaler.ApplyStatus(info, previous)
}

// GroupStatuses summarises every group in tick order
func (m *Manager) GroupStatuses() []domain.GroupStatus {
	scalers := m.Scalers()
	statuses := make([]domain.GroupStatus, len(scalers))
	for i, scaler := range scalers {
		statuses[i] = scaler.Status()
	}
	return statuses
}
