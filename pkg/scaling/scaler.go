package scaling

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/core-tools/hsu-fleet/pkg/condition"
	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/lifecycle"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/provider"
)

const (
	RunningHeartbeatTimeout  = 15 * time.Second
	StartingHeartbeatTimeout = 180 * time.Second

	playerSurgeThreshold = 10
	playerDropThreshold  = 10
)

// Broadcaster pushes tracked server changes to connected plugins
type Broadcaster interface {
	lifecycle.Notifier
	ServerAdded(info domain.ServerInfo)
}

type noopBroadcaster struct{}

func (noopBroadcaster) ServerAdded(domain.ServerInfo)   {}
func (noopBroadcaster) ServerUpdated(domain.ServerInfo) {}
func (noopBroadcaster) ServerRemoved(string, string)    {}

// Scaler owns one group: its tracked servers, its policy and the operations the
// policy's decisions turn into. Lifecycle operations run asynchronously so one
// slow backend never stalls the tick.
type Scaler struct {
	group       *domain.GroupConfig
	policy      Policy
	state       *GroupState
	service     *lifecycle.Service
	broadcaster Broadcaster
	parser      *condition.Parser
	logger      logging.Logger
	now         func() time.Time
	cooldown    time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	asyncMu  sync.Mutex
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

type ScalerOptions struct {
	// Used when the group does not set its own cooldown
	DefaultCooldown time.Duration
	Now             func() time.Time
}

func NewScaler(group *domain.GroupConfig, policy Policy, service *lifecycle.Service, broadcaster Broadcaster, options ScalerOptions, logger logging.Logger) *Scaler {
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	cooldown := options.DefaultCooldown
	if group.Scaling.CooldownSeconds > 0 {
		cooldown = time.Duration(group.Scaling.CooldownSeconds) * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scaler{
		group:       group,
		policy:      policy,
		state:       NewGroupState(),
		service:     service,
		broadcaster: broadcaster,
		parser:      condition.NewParser(),
		logger:      logger,
		now:         now,
		cooldown:    cooldown,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Scaler) Name() string {
	return s.group.Name
}

func (s *Scaler) Group() *domain.GroupConfig {
	return s.group
}

func (s *Scaler) Policy() Policy {
	return s.policy
}

func (s *Scaler) State() *GroupState {
	return s.state
}

func (s *Scaler) IsProxy() bool {
	return s.group.IsProxy()
}

func (s *Scaler) view() View {
	auto := s.state.AutoScaled()
	infos := make([]domain.ServerInfo, len(auto))
	for i, server := range auto {
		infos[i] = server.Info()
	}
	return View{
		Group:             s.group,
		AutoServers:       infos,
		Now:               s.now(),
		LastScaleUp:       s.state.LastScaleUp(),
		LastScaleDown:     s.state.LastScaleDown(),
		Cooldown:          s.cooldown,
		MetadataSatisfied: s.metadataSatisfied(),
	}
}

func (s *Scaler) Utilization() float64 {
	return s.policy.Utilization(s.view())
}

// Decide evaluates the policy without acting on the result
func (s *Scaler) Decide() Decision {
	if s.shutdown.Load() {
		return DecisionNone
	}
	view := s.view()
	decision := Decide(s.policy, view)
	if decision == DecisionUp && view.count() < s.group.Server.MinServers && !view.upCooldownExpired() {
		s.logger.Warnf("Group %s is below its minimum of %d servers, scaling up despite active cooldown",
			s.group.Name, s.group.Server.MinServers)
	}
	return decision
}

// Tick runs one scaling pass: heartbeat checks, then the policy decision unless
// the group is paused or still waiting on removals.
func (s *Scaler) Tick() {
	s.CheckHeartbeats()

	if s.state.Paused() {
		s.logger.Debugf("Scaling is paused for group: %s", s.group.Name)
		return
	}
	if pending := s.state.PendingRemovals(); pending > 0 {
		s.logger.Debugf("Waiting for %d pending removals to complete before scaling group: %s", pending, s.group.Name)
		return
	}

	switch decision := s.Decide(); decision {
	case DecisionUp:
		s.logger.Debugf("Scaling up servers for group: %s (current utilization: %.2f%%)", s.group.Name, s.Utilization()*100)
		s.scaleUp()
	case DecisionDown:
		s.logger.Debugf("Scaling down servers for group: %s (current utilization: %.2f%%)", s.group.Name, s.Utilization()*100)
		s.scaleDown()
	default:
		s.logger.Debugf("No scaling needed for group: %s (current utilization: %.2f%%)", s.group.Name, s.Utilization()*100)
	}
}

func (s *Scaler) scaleUp() {
	view := s.view()

	if missing := s.group.Server.MinServers - view.count(); missing > 0 {
		s.logger.Debugf("Scaling up to minimum servers for group: %s. Creating %d servers to reach minimum of %d",
			s.group.Name, missing, s.group.Server.MinServers)

		servers := make([]*domain.Server, missing)
		for i := range servers {
			servers[i] = s.newServer(false)
		}
		s.goAsync(func(ctx context.Context) {
			var g errgroup.Group
			for _, server := range servers {
				g.Go(func() error { return s.launch(ctx, server) })
			}
			_ = g.Wait()
			s.state.MarkScaleUp(s.now())
		})
		return
	}

	if !view.canScaleUp() {
		return
	}
	server := s.newServer(false)
	s.goAsync(func(ctx context.Context) {
		_ = s.launch(ctx, server)
		s.state.MarkScaleUp(s.now())
	})
}

func (s *Scaler) scaleDown() {
	if !s.view().canScaleDown() {
		return
	}

	target := s.scaleDownTarget(s.state.AutoScaled(), true)
	if target == nil {
		s.logger.Debugf("No scale-down candidate in group: %s", s.group.Name)
		return
	}

	info := target.Info()
	s.logger.Infof("Auto-scaling down server: %s (players: %d) from group: %s", info.Name, info.OnlinePlayers, s.group.Name)
	s.remove(target)
	s.state.MarkScaleDown(s.now())
}

// scaleDownTarget picks the RUNNING server with the fewest players, newest first on ties
func (s *Scaler) scaleDownTarget(servers []*domain.Server, respectProtection bool) *domain.Server {
	var target *domain.Server
	var targetInfo domain.ServerInfo

	for _, server := range servers {
		info := server.Info()
		if info.Status != domain.ServerStatusRunning || server.IsShuttingDown() {
			continue
		}
		if respectProtection && s.isProtected(server) {
			continue
		}
		if target == nil ||
			info.OnlinePlayers < targetInfo.OnlinePlayers ||
			(info.OnlinePlayers == targetInfo.OnlinePlayers && info.CreatedAt > targetInfo.CreatedAt) {
			target, targetInfo = server, info
		}
	}
	return target
}

func (s *Scaler) remove(server *domain.Server) {
	serverID := server.ID()
	if !s.state.AddPendingRemoval(serverID) {
		return
	}
	s.logger.Debugf("Added server %s to pending removals", serverID)

	if !s.goAsync(func(ctx context.Context) {
		defer s.state.RemovePendingRemoval(serverID)
		if err := s.service.RemoveServer(ctx, server, provider.DeleteScalingDown()); err != nil {
			if errors.IsRejectedError(err) {
				s.logger.Debugf("Server %s is already being removed elsewhere", server.Name())
				return
			}
			s.logger.Errorf("Failed to remove server %s during scaling: %v", server.Name(), err)
			return
		}
		s.logger.Debugf("Completed scaling removal of server: %s", server.Name())
	}) {
		s.state.RemovePendingRemoval(serverID)
	}
}

// newServer builds and tracks a STARTING record under a freshly reserved name
func (s *Scaler) newServer(manual bool) *domain.Server {
	name := s.nextName()
	now := s.now().UnixMilli()

	server := domain.NewServer(domain.ServerInfo{
		ServerID:          uuid.NewString(),
		Name:              name,
		Group:             s.group.Name,
		Type:              s.group.ServerType(),
		Status:            domain.ServerStatusStarting,
		MaxPlayers:        domain.DefaultMaxPlayers,
		OnlinePlayerNames: []string{},
		CreatedAt:         now,
		LastHeartbeat:     now,
		ManuallyScaled:    manual,
	})
	s.AddServer(server)
	s.logger.Debugf("Added server to tracking before creation: %s with STARTING status", name)
	return server
}

func (s *Scaler) launch(ctx context.Context, server *domain.Server) error {
	name := server.Name()
	if err := s.service.CreateServer(ctx, s.group, server, provider.StartScalingUp()); err != nil {
		s.logger.Errorf("Failed to create server %s (%s) in group %s: %v", name, server.ID(), s.group.Name, err)
		s.state.ReleaseName(name)
		s.Untrack(server.ID())
		return err
	}
	s.logger.Debugf("Server created: %s", name)
	return nil
}

func (s *Scaler) nextName() string {
	pattern := s.group.NamePattern()
	if s.group.UsesUUIDNaming() {
		return strings.ReplaceAll(pattern, "{id}", uuid.NewString()[:8])
	}

	return s.state.ReserveName(func(used map[string]struct{}) string {
		numbers := make(map[int]struct{}, len(used))
		for name := range used {
			if n := extractServerNumber(pattern, name); n > 0 {
				numbers[n] = struct{}{}
			}
		}
		n := 1
		for {
			if _, taken := numbers[n]; !taken {
				break
			}
			n++
		}
		return strings.ReplaceAll(pattern, "{id}", strconv.Itoa(n))
	})
}

func extractServerNumber(pattern, name string) int {
	index := strings.Index(pattern, "{id}")
	if index < 0 {
		return 0
	}
	prefix, suffix := pattern[:index], pattern[index+len("{id}"):]
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) || len(prefix)+len(suffix) >= len(name) {
		return 0
	}
	n, err := strconv.Atoi(name[len(prefix) : len(name)-len(suffix)])
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// CheckHeartbeats stops STATIC and removes DYNAMIC servers whose heartbeat is overdue
func (s *Scaler) CheckHeartbeats() {
	now := s.now()

	for _, server := range s.state.Servers() {
		if server.IsShuttingDown() || s.state.IsPendingRemoval(server.ID()) {
			continue
		}

		since := now.Sub(server.LastHeartbeat())
		switch server.Status() {
		case domain.ServerStatusRunning:
			if since <= RunningHeartbeatTimeout {
				continue
			}
			s.logger.Warnf("Server %s hasn't sent heartbeat in %d seconds, marking for removal", server.Name(), int(since.Seconds()))
		case domain.ServerStatusStarting:
			if since <= StartingHeartbeatTimeout {
				continue
			}
			s.logger.Warnf("Starting server %s hasn't sent heartbeat in %d seconds, marking for removal", server.Name(), int(since.Seconds()))
		default:
			continue
		}

		s.expire(server)
	}
}

func (s *Scaler) expire(server *domain.Server) {
	serverID := server.ID()
	if !s.state.AddPendingRemoval(serverID) {
		return
	}

	if !s.goAsync(func(ctx context.Context) {
		defer s.state.RemovePendingRemoval(serverID)

		if server.Type() == domain.ServerTypeStatic {
			if err := s.service.StopServer(ctx, server); err != nil {
				if !errors.IsRejectedError(err) {
					s.logger.Errorf("Failed to stop STATIC server %s after heartbeat timeout: %v", server.Name(), err)
				}
				return
			}
			s.logger.Debugf("Completed heartbeat timeout stop of STATIC server: %s", server.Name())
			return
		}

		if err := s.service.RemoveServer(ctx, server, provider.DeleteConnectionLost()); err != nil {
			if !errors.IsRejectedError(err) {
				s.logger.Errorf("Failed to remove DYNAMIC server %s after heartbeat timeout: %v", server.Name(), err)
			}
			return
		}
		s.logger.Debugf("Completed heartbeat timeout removal of DYNAMIC server: %s", server.Name())
	}) {
		s.state.RemovePendingRemoval(serverID)
	}
}

// AddServer tracks a server and announces it when it was not tracked before
func (s *Scaler) AddServer(server *domain.Server) {
	if !s.state.Track(server) {
		return
	}
	info := server.Info()
	switch info.Status {
	case domain.ServerStatusRunning:
		s.broadcaster.ServerAdded(info)
	case domain.ServerStatusStarting:
		s.broadcaster.ServerUpdated(info)
	}
}

func (s *Scaler) Untrack(serverID string) bool {
	server, ok := s.state.Untrack(serverID)
	if ok {
		s.logger.Debugf("Removed server %s (type: %s, status: %s) from tracking for group %s",
			serverID, server.Type(), server.Status(), s.group.Name)
	}
	return ok
}

func (s *Scaler) Server(serverID string) (*domain.Server, bool) {
	return s.state.Server(serverID)
}

func (s *Scaler) Servers() []*domain.Server {
	return s.state.Servers()
}

// UpdateServerInfo applies a status report from the server itself
func (s *Scaler) UpdateServerInfo(serverID string, report domain.ServerInfo) bool {
	server, ok := s.state.Server(serverID)
	if !ok {
		s.logger.Warnf("Received server info for %s but it's not tracked in group %s", serverID, s.group.Name)
		return false
	}

	previous := server.Status()
	server.Update(func(info *domain.ServerInfo) {
		if report.Status != "" {
			info.Status = report.Status
		}
		info.OnlinePlayers = report.OnlinePlayers
		if report.MaxPlayers > 0 {
			info.MaxPlayers = report.MaxPlayers
		}
		info.OnlinePlayerNames = append([]string{}, report.OnlinePlayerNames...)
	})
	server.Touch(s.now())

	s.checkPlayerCounts(server, report.OnlinePlayers)
	s.broadcastTransition(server, previous)
	return true
}

// UpdatePlayerCount applies the counts carried by a heartbeat
func (s *Scaler) UpdatePlayerCount(serverID string, online, max int) bool {
	server, ok := s.state.Server(serverID)
	if !ok {
		return false
	}
	server.Update(func(info *domain.ServerInfo) {
		info.OnlinePlayers = online
		if max > 0 {
			info.MaxPlayers = max
		}
	})
	server.Touch(s.now())
	s.checkPlayerCounts(server, online)
	return true
}

func (s *Scaler) UpdateHeartbeat(serverID string) bool {
	server, ok := s.state.Server(serverID)
	if !ok {
		return false
	}
	server.Touch(s.now())
	return true
}

// ApplyStatus announces a transition the backend observed on its own
func (s *Scaler) ApplyStatus(info domain.ServerInfo, previous domain.ServerStatus) bool {
	server, ok := s.state.Server(info.ServerID)
	if !ok {
		return false
	}
	if info.Status == domain.ServerStatusRunning {
		server.Touch(s.now())
	}
	s.broadcastTransition(server, previous)
	return true
}

func (s *Scaler) broadcastTransition(server *domain.Server, previous domain.ServerStatus) {
	info := server.Info()
	switch {
	case previous != domain.ServerStatusRunning && info.Status == domain.ServerStatusRunning:
		s.broadcaster.ServerAdded(info)
	case previous == domain.ServerStatusRunning &&
		(info.Status == domain.ServerStatusStopped || info.Status == domain.ServerStatusError):
		s.broadcaster.ServerRemoved(info.ServerID, "Server status changed to "+string(info.Status))
	default:
		s.broadcaster.ServerUpdated(info)
	}
}

func (s *Scaler) checkPlayerCounts(server *domain.Server, count int) {
	previous, known := s.state.RecordPlayers(server.ID(), count)
	if !known {
		return
	}

	difference := count - previous
	switch {
	case difference >= playerSurgeThreshold:
		s.logger.Infof("Player surge detected on server %s: %d -> %d players (+%d)", server.Name(), previous, count, difference)
	case difference <= -playerDropThreshold:
		s.logger.Infof("Player drop detected on server %s: %d -> %d players (%d)", server.Name(), previous, count, difference)
	}

	if max := server.Info().MaxPlayers; max > 0 && count >= max && previous < max {
		s.logger.Infof("Server %s reached capacity: %d/%d players", server.Name(), count, max)
	}
}

// metadataSatisfied reports whether any tracked server already matches the
// scale-up metadata condition, which blocks further scale-ups
func (s *Scaler) metadataSatisfied() bool {
	expression := strings.TrimSpace(s.group.Scaling.Conditions.ScaleUpMetadataCondition)
	if expression == "" {
		return false
	}
	for _, server := range s.state.Servers() {
		matched, err := s.parser.Evaluate(expression, server.Metadata())
		if err != nil {
			s.logger.Errorf("Error evaluating metadata condition for server %s: %v", server.ID(), err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

func (s *Scaler) isProtected(server *domain.Server) bool {
	expression := strings.TrimSpace(s.group.Scaling.Conditions.ScaleDownProtectedCondition)
	if expression == "" {
		return false
	}
	protected, err := s.parser.Evaluate(expression, server.Metadata())
	if err != nil {
		s.logger.Errorf("Error evaluating scale-down protection condition for server %s: %v", server.ID(), err)
		return true
	}
	return protected
}

// TriggerScaleUp creates one manually scaled server and waits for the workflow
func (s *Scaler) TriggerScaleUp(ctx context.Context) error {
	if s.shutdown.Load() {
		return errors.NewRejectedError("scaler is shut down", nil).WithContext("group", s.group.Name)
	}
	s.logger.Infof("Triggering manual scale up for group: %s", s.group.Name)
	return s.launch(ctx, s.newServer(true))
}

// TriggerScaleDown removes the least loaded RUNNING server, manual or not
func (s *Scaler) TriggerScaleDown(ctx context.Context) error {
	s.logger.Infof("Triggering manual scale down for group: %s", s.group.Name)

	target := s.scaleDownTarget(s.state.Servers(), false)
	if target == nil {
		s.logger.Infof("No running servers available to scale down in group: %s", s.group.Name)
		return errors.NewNotFoundError("no running servers available to scale down", nil).WithContext("group", s.group.Name)
	}
	return s.removeNow(ctx, target)
}

// RemoveManualServer removes a server that was created by a manual scale-up
func (s *Scaler) RemoveManualServer(ctx context.Context, serverID string) error {
	server, ok := s.state.Server(serverID)
	if !ok {
		return errors.NewNotFoundError("server not found", nil).WithContext("server_id", serverID)
	}
	if !server.IsManuallyScaled() {
		s.logger.Warnf("Attempted to manually remove non-manual server: %s", serverID)
		return errors.NewValidationError("server was not manually scaled", nil).WithContext("server_id", serverID)
	}
	s.logger.Infof("Manually removing server: %s from group: %s", server.Name(), s.group.Name)
	return s.removeNow(ctx, server)
}

func (s *Scaler) removeNow(ctx context.Context, server *domain.Server) error {
	if !s.state.AddPendingRemoval(server.ID()) {
		return errors.NewConflictError("removal already in progress", nil).WithContext("server", server.Name())
	}
	defer s.state.RemovePendingRemoval(server.ID())

	info := server.Info()
	kind := "auto-scaled"
	if info.ManuallyScaled {
		kind = "manual"
	}
	s.logger.Infof("Manually scaling down %s server: %s (players: %d) from group: %s", kind, info.Name, info.OnlinePlayers, s.group.Name)
	return s.service.RemoveServer(ctx, server, provider.DeleteScalingDown())
}

func (s *Scaler) Pause() {
	s.state.SetPaused(true)
	s.logger.Infof("Scaling paused for group: %s", s.group.Name)
}

func (s *Scaler) Resume() {
	s.state.SetPaused(false)
	s.logger.Infof("Scaling resumed for group: %s", s.group.Name)
}

func (s *Scaler) IsPaused() bool {
	return s.state.Paused()
}

func (s *Scaler) Status() domain.GroupStatus {
	players := 0
	for _, server := range s.state.Servers() {
		players += server.Info().OnlinePlayers
	}
	return domain.GroupStatus{
		Name:            s.group.Name,
		ScalingType:     s.policy.Name(),
		Utilization:     s.Utilization(),
		AutoServers:     len(s.state.AutoScaled()),
		ManualServers:   len(s.state.ManuallyScaled()),
		MinServers:      s.group.Server.MinServers,
		MaxServers:      s.group.Server.MaxServers,
		OnlinePlayers:   players,
		Paused:          s.state.Paused(),
		PendingRemovals: s.state.PendingRemovals(),
	}
}

func (s *Scaler) StatusLine() string {
	status := s.Status()
	max := "unlimited"
	if status.MaxServers != domain.UnlimitedServers {
		max = strconv.Itoa(status.MaxServers)
	}
	return fmt.Sprintf("Group: %s | Utilization: %.1f%% | Auto: %d/%s | Manual: %d | Players: %d",
		status.Name, status.Utilization*100, status.AutoServers, max, status.ManualServers, status.OnlinePlayers)
}

// goAsync runs fn in a tracked goroutine bound to the scaler's lifetime.
// It returns false once the scaler is shutting down.
func (s *Scaler) goAsync(fn func(ctx context.Context)) bool {
	s.asyncMu.Lock()
	defer s.asyncMu.Unlock()
	if s.shutdown.Load() {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorf("Scaling operation panicked in group %s: %v\n%s", s.group.Name, r, debug.Stack())
			}
		}()
		fn(s.ctx)
	}()
	return true
}

// Shutdown cancels in-flight operations and deletes every tracked server
func (s *Scaler) Shutdown(ctx context.Context) error {
	s.asyncMu.Lock()
	first := s.shutdown.CompareAndSwap(false, true)
	s.asyncMu.Unlock()
	if !first {
		return nil
	}

	s.logger.Infof("Shutting down scaler for group: %s", s.group.Name)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.NewTimeoutError("in-flight scaling operations did not finish", ctx.Err()).WithContext("group", s.group.Name)
	}

	servers := s.state.Servers()
	sort.SliceStable(servers, func(i, j int) bool { return servers[i].Name() < servers[j].Name() })

	var mutex sync.Mutex
	collection := errors.NewErrorCollection()
	var g errgroup.Group
	for _, server := range servers {
		g.Go(func() error {
			err := s.service.Manager().DeleteCompletely(ctx, server, provider.DeleteSystemShutdown())
			if errors.IsRejectedError(err) {
				s.logger.Debugf("Server %s is already shutting down, leaving it to its owner", server.Name())
				return nil
			}
			if err != nil {
				s.logger.Errorf("Failed to shutdown server: %s: %v", server.Name(), err)
				mutex.Lock()
				collection.Add(err)
				mutex.Unlock()
				return nil
			}
			s.logger.Debugf("Successfully removed server during shutdown: %s", server.Name())
			return nil
		})
	}
	_ = g.Wait()

	s.state.Clear()
	return collection.ToError()
}
