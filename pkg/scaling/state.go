package scaling

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/domain"
)

// GroupState is the runtime bookkeeping of one group. Tracked servers live in a
// sync.Map so heartbeats and ticks touch distinct keys without a shared lock.
type GroupState struct {
	servers sync.Map // server id -> *domain.Server

	mutex           sync.Mutex
	lastScaleUp     time.Time
	lastScaleDown   time.Time
	paused          bool
	pendingRemovals map[string]struct{}
	reservedNames   map[string]struct{}
	playerCounts    map[string]int
}

func NewGroupState() *GroupState {
	return &GroupState{
		pendingRemovals: make(map[string]struct{}),
		reservedNames:   make(map[string]struct{}),
		playerCounts:    make(map[string]int),
	}
}

// Track stores the server and reports whether it was not tracked before
func (g *GroupState) Track(server *domain.Server) bool {
	_, loaded := g.servers.LoadOrStore(server.ID(), server)

	g.mutex.Lock()
	delete(g.reservedNames, server.Name())
	g.mutex.Unlock()
	return !loaded
}

func (g *GroupState) Untrack(serverID string) (*domain.Server, bool) {
	value, ok := g.servers.LoadAndDelete(serverID)

	g.mutex.Lock()
	delete(g.pendingRemovals, serverID)
	delete(g.playerCounts, serverID)
	g.mutex.Unlock()

	if !ok {
		return nil, false
	}
	return value.(*domain.Server), true
}

func (g *GroupState) Server(serverID string) (*domain.Server, bool) {
	value, ok := g.servers.Load(serverID)
	if !ok {
		return nil, false
	}
	return value.(*domain.Server), true
}

// Servers returns every tracked server ordered by creation time
func (g *GroupState) Servers() []*domain.Server {
	servers := []*domain.Server{}
	g.servers.Range(func(_, value any) bool {
		servers = append(servers, value.(*domain.Server))
		return true
	})
	sort.SliceStable(servers, func(i, j int) bool {
		return servers[i].Info().CreatedAt < servers[j].Info().CreatedAt
	})
	return servers
}

func (g *GroupState) AutoScaled() []*domain.Server {
	return g.filter(func(s *domain.Server) bool { return !s.IsManuallyScaled() })
}

func (g *GroupState) ManuallyScaled() []*domain.Server {
	return g.filter(func(s *domain.Server) bool { return s.IsManuallyScaled() })
}

func (g *GroupState) filter(keep func(*domain.Server) bool) []*domain.Server {
	result := []*domain.Server{}
	for _, server := range g.Servers() {
		if keep(server) {
			result = append(result, server)
		}
	}
	return result
}

func (g *GroupState) Count() int {
	n := 0
	g.servers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (g *GroupState) Clear() {
	g.servers.Range(func(key, _ any) bool {
		g.servers.Delete(key)
		return true
	})

	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.pendingRemovals = make(map[string]struct{})
	g.reservedNames = make(map[string]struct{})
	g.playerCounts = make(map[string]int)
}

// AddPendingRemoval reports false when the server already has a removal in flight
func (g *GroupState) AddPendingRemoval(serverID string) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if _, ok := g.pendingRemovals[serverID]; ok {
		return false
	}
	g.pendingRemovals[serverID] = struct{}{}
	return true
}

func (g *GroupState) RemovePendingRemoval(serverID string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	delete(g.pendingRemovals, serverID)
}

func (g *GroupState) PendingRemovals() int {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return len(g.pendingRemovals)
}

func (g *GroupState) IsPendingRemoval(serverID string) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	_, ok := g.pendingRemovals[serverID]
	return ok
}

func (g *GroupState) SetPaused(paused bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.paused = paused
}

func (g *GroupState) Paused() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.paused
}

func (g *GroupState) MarkScaleUp(at time.Time) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.lastScaleUp = at
}

func (g *GroupState) MarkScaleDown(at time.Time) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.lastScaleDown = at
}

func (g *GroupState) LastScaleUp() time.Time {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.lastScaleUp
}

func (g *GroupState) LastScaleDown() time.Time {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.lastScaleDown
}

// ReserveName picks a name under the lock so concurrent creations never collide
func (g *GroupState) ReserveName(pick func(used map[string]struct{}) string) string {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	used := make(map[string]struct{}, len(g.reservedNames))
	for name := range g.reservedNames {
		used[name] = struct{}{}
	}
	g.servers.Range(func(_, value any) bool {
		used[value.(*domain.Server).Name()] = struct{}{}
		return true
	})

	name := pick(used)
	g.reservedNames[name] = struct{}{}
	return name
}

func (g *GroupState) ReleaseName(name string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	delete(g.reservedNames, name)
}

// RecordPlayers stores the latest count and returns the previous one, if any
func (g *GroupState) RecordPlayers(serverID string, count int) (int, bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	previous, ok := g.playerCounts[serverID]
	g.playerCounts[serverID] = count
	return previous, ok
}

func normalizeType(scalingType string) string {
	return strings.ToLower(strings.TrimSpace(scalingType))
}
