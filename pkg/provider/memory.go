package provider

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
)

// MemoryConfig tunes the simulated backend
type MemoryConfig struct {
	FirstPort         int           `mapstructure:"first_port" yaml:"first_port"`
	StartupDelay      time.Duration `mapstructure:"startup_delay" yaml:"startup_delay"`
	StopDelay         time.Duration `mapstructure:"stop_delay" yaml:"stop_delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	SimulatePlayers   bool          `mapstructure:"simulate_players" yaml:"simulate_players"`
}

func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		FirstPort:         25565,
		StartupDelay:      2 * time.Second,
		StopDelay:         time.Second,
		HeartbeatInterval: 5 * time.Second,
	}
}

// memoryProvider simulates servers without launching anything. Servers become
// RUNNING after StartupDelay and keep heartbeating while running.
type memoryProvider struct {
	*base
	config MemoryConfig

	nextPort     int32 // atomic
	nextInstance int32 // atomic

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	random   *rand.Rand
	randMu   sync.Mutex
}

func NewMemoryProvider(config MemoryConfig, deps Dependencies) Provider {
	defaults := DefaultMemoryConfig()
	if config.FirstPort <= 0 {
		config.FirstPort = defaults.FirstPort
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}

	p := &memoryProvider{
		base:     newBase(TypeMemory, deps),
		config:   config,
		nextPort: int32(config.FirstPort),
		stopChan: make(chan struct{}),
		random:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	p.wg.Add(1)
	go p.heartbeatLoop()

	p.logger.Infof("Started in-memory provider, heartbeat interval: %v", config.HeartbeatInterval)
	return p
}

func (p *memoryProvider) CreateServer(ctx context.Context, group *domain.GroupConfig, server *domain.Server) error {
	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("create cancelled", err)
	}

	instanceID := fmt.Sprintf("inmem-server-%d", atomic.AddInt32(&p.nextInstance, 1))
	port := int(atomic.AddInt32(&p.nextPort, 1) - 1)

	server.Update(func(info *domain.ServerInfo) {
		info.Address = "localhost"
		info.Port = port
		info.ServiceProviderID = instanceID
		info.Status = domain.ServerStatusStarting
		info.OnlinePlayers = 0
		info.OnlinePlayerNames = []string{}
		if info.MaxPlayers == 0 {
			info.MaxPlayers = domain.DefaultMaxPlayers
		}
	})
	server.Touch(time.Now())

	if err := p.track(server); err != nil {
		return errors.NewProviderError("failed to register server logs", err)
	}

	info := server.Info()
	p.log(info.ServerID, "Server created: "+info.Name)
	p.log(info.ServerID, "Working directory: "+info.WorkingDirectory)
	p.log(info.ServerID, "Service provider instance: "+instanceID)
	p.logger.Infof("Created in-memory server: %s (ID: %s, Instance: %s)", info.Name, info.ServerID, instanceID)

	p.scheduleRunning(server)
	return nil
}

func (p *memoryProvider) StartServer(ctx context.Context, server *domain.Server) error {
	tracked, err := p.lookup(server.ID())
	if err != nil {
		return err
	}

	if tracked.Status() == domain.ServerStatusRunning {
		p.logger.Warnf("Server already running: %s", tracked.Name())
		return nil
	}

	p.reportStatus(tracked, domain.ServerStatusStarting)
	p.log(tracked.ID(), "Starting server...")
	p.scheduleRunning(tracked)
	return nil
}

func (p *memoryProvider) StopServer(ctx context.Context, server *domain.Server, graceful bool) error {
	tracked, err := p.lookup(server.ID())
	if err != nil {
		return err
	}

	p.log(tracked.ID(), "Stopping server...")

	if graceful && p.config.StopDelay > 0 {
		select {
		case <-time.After(p.config.StopDelay):
		case <-ctx.Done():
			return errors.NewTimeoutError("stop did not complete", ctx.Err()).WithContext("server_id", tracked.ID())
		}
	}

	tracked.Update(func(info *domain.ServerInfo) {
		info.OnlinePlayers = 0
		info.OnlinePlayerNames = []string{}
	})
	p.reportStatus(tracked, domain.ServerStatusStopped)
	p.log(tracked.ID(), "Server stopped")
	p.logger.Debugf("Stopped server: %s", tracked.Name())
	return nil
}

func (p *memoryProvider) DeleteServer(ctx context.Context, serverID string) (bool, error) {
	removed, ok := p.untrack(serverID)
	if !ok {
		p.logger.Warnf("Server not found for deletion: %s", serverID)
		return false, nil
	}
	p.logger.Infof("Deleted server: %s (ID: %s)", removed.Name(), serverID)
	return true, nil
}

func (p *memoryProvider) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.logger.Infof("Shutting down in-memory provider heartbeat system")
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return p.closeLogs()
	case <-ctx.Done():
		return errors.NewTimeoutError("in-memory provider shutdown timed out", ctx.Err())
	}
}

func (p *memoryProvider) scheduleRunning(server *domain.Server) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		select {
		case <-time.After(p.config.StartupDelay):
		case <-p.stopChan:
			return
		}

		if _, err := p.lookup(server.ID()); err != nil {
			return
		}
		if server.Status() != domain.ServerStatusStarting || server.IsShuttingDown() {
			return
		}

		server.Touch(time.Now())
		p.reportStatus(server, domain.ServerStatusRunning)

		info := server.Info()
		p.log(info.ServerID, fmt.Sprintf("Server started successfully - max players: %d", info.MaxPlayers))
		p.log(info.ServerID, fmt.Sprintf("Listening on %s:%d", info.Address, info.Port))
		p.logger.Infof("Server %s is now running with capacity for %d players", info.Name, info.MaxPlayers)
	}()
}

func (p *memoryProvider) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sendHeartbeats()
		case <-p.stopChan:
			return
		}
	}
}

func (p *memoryProvider) sendHeartbeats() {
	now := time.Now()
	for _, server := range p.snapshot() {
		if server.Status() != domain.ServerStatusRunning {
			continue
		}
		server.Touch(now)

		if p.config.SimulatePlayers && p.chance(0.2) {
			p.simulatePlayerActivity(server)
		}
	}
}

func (p *memoryProvider) chance(probability float64) bool {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return p.random.Float64() < probability
}

func (p *memoryProvider) intn(n int) int {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return p.random.Intn(n)
}

func (p *memoryProvider) simulatePlayerActivity(server *domain.Server) {
	var joined, left string

	join := p.chance(0.5)
	candidate := fmt.Sprintf("Player%d", 1000+p.intn(9000))

	server.Update(func(info *domain.ServerInfo) {
		if join && len(info.OnlinePlayerNames) < info.MaxPlayers {
			for _, name := range info.OnlinePlayerNames {
				if name == candidate {
					return
				}
			}
			info.OnlinePlayerNames = append(info.OnlinePlayerNames, candidate)
			joined = candidate
		} else if len(info.OnlinePlayerNames) > 0 {
			left = info.OnlinePlayerNames[0]
			info.OnlinePlayerNames = info.OnlinePlayerNames[1:]
		}
		info.OnlinePlayers = len(info.OnlinePlayerNames)
	})

	switch {
	case joined != "":
		p.log(server.ID(), "Player "+joined+" joined the server")
	case left != "":
		p.log(server.ID(), "Player "+left+" left the server")
	}
}
