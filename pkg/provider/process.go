package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logcollection"
	"github.com/core-tools/hsu-fleet/pkg/monitoring"
	"github.com/core-tools/hsu-fleet/pkg/process"
	"github.com/core-tools/hsu-fleet/pkg/processfile"
	"github.com/core-tools/hsu-fleet/pkg/processstate"
)

// ProcessConfig tunes the local process backend
type ProcessConfig struct {
	FirstPort   int    `mapstructure:"first_port" yaml:"first_port"`
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`
	// Grace period between the interrupt and the kill when a group does not set one
	StopGrace time.Duration             `mapstructure:"stop_grace" yaml:"stop_grace"`
	Probe     monitoring.ProbeRunOptions `mapstructure:"probe" yaml:"probe"`
}

func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		FirstPort:   30000,
		BindAddress: "127.0.0.1",
		StopGrace:   10 * time.Second,
		Probe:       monitoring.DefaultProbeRunOptions(),
	}
}

// instance is one launched or attached OS process
type instance struct {
	pid      int
	probe    monitoring.Probe
	exited   chan struct{}
	stopping atomic.Bool
	// attached processes were found through their PID file and are not our children
	attached bool
}

func (i *instance) alive() bool {
	select {
	case <-i.exited:
		return false
	default:
		return true
	}
}

// processProvider runs every server as a local OS process in its working directory.
// A server is RUNNING once its port accepts connections.
type processProvider struct {
	*base
	config ProcessConfig
	files  *processfile.ProcessFileManager

	instancesMutex sync.Mutex
	instances      map[string]*instance
	groups         map[string]*domain.GroupConfig
	ports          map[int]string
}

func NewProcessProvider(config ProcessConfig, deps Dependencies) Provider {
	defaults := DefaultProcessConfig()
	if config.FirstPort <= 0 {
		config.FirstPort = defaults.FirstPort
	}
	if config.BindAddress == "" {
		config.BindAddress = defaults.BindAddress
	}
	if config.StopGrace <= 0 {
		config.StopGrace = defaults.StopGrace
	}

	return &processProvider{
		base:      newBase(TypeProcess, deps),
		config:    config,
		files:     processfile.NewProcessFileManager(deps.Logger),
		instances: make(map[string]*instance),
		groups:    make(map[string]*domain.GroupConfig),
		ports:     make(map[int]string),
	}
}

func (p *processProvider) EnsureResourcesReady(ctx context.Context, group *domain.GroupConfig) error {
	settings := group.ServiceProvider.Process
	if settings == nil || settings.ExecutablePath == "" {
		return errors.NewValidationError("group has no process executable configured", nil).WithContext("group", group.Name)
	}
	info, err := os.Stat(settings.ExecutablePath)
	if err != nil {
		return errors.NewProviderError("server executable is not available", err).
			WithContext("group", group.Name).
			WithContext("executable_path", settings.ExecutablePath)
	}
	if info.IsDir() {
		return errors.NewValidationError("server executable is a directory", nil).WithContext("executable_path", settings.ExecutablePath)
	}
	return nil
}

func (p *processProvider) CreateServer(ctx context.Context, group *domain.GroupConfig, server *domain.Server) error {
	if group.ServiceProvider.Process == nil {
		return errors.NewValidationError("group has no process settings", nil).WithContext("group", group.Name)
	}

	info := server.Info()
	workDir, err := filepath.Abs(info.WorkingDirectory)
	if err != nil {
		return errors.NewIOError("invalid working directory", err).WithContext("server_id", info.ServerID)
	}

	port := p.allocatePort(info.ServerID, workDir)
	server.Update(func(current *domain.ServerInfo) {
		current.WorkingDirectory = workDir
		current.Address = p.config.BindAddress
		current.Port = port
		current.Status = domain.ServerStatusStarting
		current.OnlinePlayers = 0
		current.OnlinePlayerNames = []string{}
		if current.MaxPlayers == 0 {
			current.MaxPlayers = domain.DefaultMaxPlayers
		}
	})
	server.Touch(time.Now())

	p.instancesMutex.Lock()
	p.groups[info.ServerID] = group
	p.instancesMutex.Unlock()

	if err := p.track(server); err != nil {
		p.releaseServer(info.ServerID)
		return errors.NewProviderError("failed to register server logs", err)
	}
	p.log(info.ServerID, "Server created: "+info.Name)
	p.log(info.ServerID, "Working directory: "+workDir)

	if server.Type() == domain.ServerTypeStatic {
		if attached := p.attach(server, workDir); attached {
			return nil
		}
	}

	if err := p.launch(ctx, group, server); err != nil {
		p.untrack(info.ServerID)
		p.releaseServer(info.ServerID)
		return err
	}
	return nil
}

func (p *processProvider) StartServer(ctx context.Context, server *domain.Server) error {
	tracked, err := p.lookup(server.ID())
	if err != nil {
		return err
	}

	p.instancesMutex.Lock()
	current := p.instances[tracked.ID()]
	group := p.groups[tracked.ID()]
	p.instancesMutex.Unlock()

	if current != nil && current.alive() {
		p.logger.Warnf("Server already running: %s", tracked.Name())
		return nil
	}
	if group == nil {
		return errors.NewInternalError("no group recorded for server", nil).WithContext("server_id", tracked.ID())
	}

	p.reportStatus(tracked, domain.ServerStatusStarting)
	p.log(tracked.ID(), "Starting server...")
	return p.launch(ctx, group, tracked)
}

func (p *processProvider) StopServer(ctx context.Context, server *domain.Server, graceful bool) error {
	tracked, err := p.lookup(server.ID())
	if err != nil {
		return err
	}

	p.instancesMutex.Lock()
	current := p.instances[tracked.ID()]
	group := p.groups[tracked.ID()]
	p.instancesMutex.Unlock()

	if current == nil || !current.alive() {
		p.reportStatus(tracked, domain.ServerStatusStopped)
		return nil
	}

	p.log(tracked.ID(), "Stopping server...")
	if err := p.terminate(ctx, current, graceful, p.graceFor(group)); err != nil {
		return err
	}

	tracked.Update(func(info *domain.ServerInfo) {
		info.OnlinePlayers = 0
		info.OnlinePlayerNames = []string{}
	})
	p.reportStatus(tracked, domain.ServerStatusStopped)
	p.log(tracked.ID(), "Server stopped")
	return nil
}

func (p *processProvider) DeleteServer(ctx context.Context, serverID string) (bool, error) {
	p.instancesMutex.Lock()
	current := p.instances[serverID]
	p.instancesMutex.Unlock()

	if current != nil && current.alive() {
		if err := p.terminate(ctx, current, false, 0); err != nil {
			return false, err
		}
	}

	removed, ok := p.untrack(serverID)
	p.releaseServer(serverID)
	if !ok {
		p.logger.Warnf("Server not found for deletion: %s", serverID)
		return false, nil
	}

	if removed.Type() != domain.ServerTypeStatic {
		_ = p.files.Remove(removed.Info().WorkingDirectory)
	}
	p.logger.Infof("Deleted server: %s (ID: %s)", removed.Name(), serverID)
	return true, nil
}

func (p *processProvider) Shutdown(ctx context.Context) error {
	p.instancesMutex.Lock()
	running := make([]*instance, 0, len(p.instances))
	for _, current := range p.instances {
		if current.alive() {
			running = append(running, current)
		}
	}
	p.instancesMutex.Unlock()

	p.logger.Infof("Shutting down process provider, %d processes still running", len(running))

	collection := errors.NewErrorCollection()
	for _, current := range running {
		if err := p.terminate(ctx, current, false, 0); err != nil {
			collection.Add(err)
		}
	}
	if err := p.closeLogs(); err != nil {
		collection.Add(err)
	}
	return collection.ToError()
}

func (p *processProvider) launch(ctx context.Context, group *domain.GroupConfig, server *domain.Server) error {
	settings := group.ServiceProvider.Process
	info := server.Info()

	execution, err := process.Execute(ctx, process.ExecutionConfig{
		ExecutablePath:   settings.ExecutablePath,
		Args:             settings.Args,
		Environment:      serverEnvironment(info, settings.Environment),
		WorkingDirectory: info.WorkingDirectory,
		WaitDelay:        p.graceFor(group),
	}, info.ServerID, p.logger)
	if err != nil {
		p.reportStatus(server, domain.ServerStatusError)
		return errors.NewProviderError("failed to launch server process", err).WithContext("server_id", info.ServerID)
	}

	pid := execution.Process.Pid
	server.Update(func(current *domain.ServerInfo) {
		current.ServiceProviderID = "pid-" + strconv.Itoa(pid)
	})
	if err := p.files.WritePIDFile(info.WorkingDirectory, pid); err != nil {
		p.logger.Warnf("Server %s runs without a PID file: %v", info.Name, err)
	}
	if err := p.files.WritePortFile(info.WorkingDirectory, info.Port); err != nil {
		p.logger.Warnf("Server %s runs without a port file: %v", info.Name, err)
	}
	if err := p.logs.CollectFromStream(info.ServerID, execution.Output, logcollection.StdoutStream); err != nil {
		p.logger.Warnf("Console output of %s is not collected: %v", info.Name, err)
	}

	current := &instance{pid: pid, exited: make(chan struct{})}
	p.watch(server, current, monitoring.ProbeConfig{
		Type:    monitoring.ProbeTypeTCP,
		TCP:     monitoring.TCPProbeConfig{Address: info.Address, Port: info.Port},
		Options: p.config.Probe,
	})
	go func() {
		waitErr := execution.Wait()
		close(current.exited)
		p.onExit(server, current, waitErr)
	}()

	p.log(info.ServerID, fmt.Sprintf("Process started with PID %d on port %d", pid, info.Port))
	p.logger.Infof("Launched server process %s (ID: %s, PID: %d)", info.Name, info.ServerID, pid)
	return nil
}

// attach adopts a still-running process recorded in the static server's PID file
func (p *processProvider) attach(server *domain.Server, workDir string) bool {
	pid, err := p.files.ReadPIDFile(workDir)
	if err != nil {
		return false
	}
	if running, _ := processstate.IsProcessRunning(pid); !running {
		_ = p.files.Remove(workDir)
		return false
	}

	if port, err := p.files.ReadPortFile(workDir); err == nil {
		server.Update(func(info *domain.ServerInfo) { info.Port = port })
	}
	server.Update(func(info *domain.ServerInfo) {
		info.ServiceProviderID = "pid-" + strconv.Itoa(pid)
	})

	current := &instance{pid: pid, exited: make(chan struct{}), attached: true}
	p.watch(server, current, monitoring.ProbeConfig{
		Type:    monitoring.ProbeTypeProcess,
		PID:     pid,
		Options: p.config.Probe,
	})
	go p.pollExit(server, current)

	p.log(server.ID(), fmt.Sprintf("Attached to running process with PID %d", pid))
	p.logger.Infof("Attached static server %s to existing PID %d", server.Name(), pid)
	return true
}

func (p *processProvider) watch(server *domain.Server, current *instance, config monitoring.ProbeConfig) {
	probe := monitoring.NewProbe(config, server.Name(), p.logger)
	probe.OnHealthy(func() {
		if current.stopping.Load() || server.IsShuttingDown() || server.Status() != domain.ServerStatusStarting {
			return
		}
		server.Touch(time.Now())
		p.reportStatus(server, domain.ServerStatusRunning)
		p.log(server.ID(), "Server is accepting connections")
	})
	probe.OnUnhealthy(func(reason string) {
		if current.stopping.Load() {
			return
		}
		p.log(server.ID(), "Server stopped responding: "+reason)
		p.reportStatus(server, domain.ServerStatusError)
	})
	current.probe = probe

	p.instancesMutex.Lock()
	p.instances[server.ID()] = current
	p.instancesMutex.Unlock()

	if err := probe.Start(context.Background()); err != nil {
		p.logger.Errorf("Failed to start probe for %s: %v", server.Name(), err)
	}
}

func (p *processProvider) pollExit(server *domain.Server, current *instance) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if running, _ := processstate.IsProcessRunning(current.pid); !running {
			close(current.exited)
			p.onExit(server, current, nil)
			return
		}
	}
}

func (p *processProvider) onExit(server *domain.Server, current *instance, waitErr error) {
	if current.probe != nil {
		current.probe.Stop()
	}
	if current.stopping.Load() {
		return
	}

	status := domain.ServerStatusStopped
	if waitErr != nil {
		status = domain.ServerStatusError
		p.log(server.ID(), "Process exited: "+waitErr.Error())
	} else {
		p.log(server.ID(), "Process exited")
	}
	p.logger.Infof("Server process %s (PID %d) exited, status: %s", server.Name(), current.pid, status)
	p.reportStatus(server, status)
}

// terminate interrupts the process group, escalates to a kill after grace and waits for exit
func (p *processProvider) terminate(ctx context.Context, current *instance, graceful bool, grace time.Duration) error {
	current.stopping.Store(true)
	if current.probe != nil {
		current.probe.Stop()
	}

	if graceful {
		if err := process.SendTerminationSignal(current.pid); err != nil {
			return err
		}
		select {
		case <-current.exited:
			return nil
		case <-time.After(grace):
			p.logger.Warnf("Process %d ignored the interrupt for %v, killing", current.pid, grace)
		case <-ctx.Done():
		}
	}

	if err := process.KillProcessGroup(current.pid); err != nil {
		return err
	}
	select {
	case <-current.exited:
		return nil
	case <-ctx.Done():
		return errors.NewTimeoutError("process did not exit", ctx.Err()).WithContext("pid", current.pid)
	}
}

func (p *processProvider) graceFor(group *domain.GroupConfig) time.Duration {
	if group != nil && group.ServiceProvider.Process != nil && group.ServiceProvider.Process.StopGraceSeconds > 0 {
		return time.Duration(group.ServiceProvider.Process.StopGraceSeconds) * time.Second
	}
	return p.config.StopGrace
}

// allocatePort reuses the port a static server recorded, otherwise the lowest free port
func (p *processProvider) allocatePort(serverID string, workDir string) int {
	p.instancesMutex.Lock()
	defer p.instancesMutex.Unlock()

	if port, err := p.files.ReadPortFile(workDir); err == nil {
		if owner, taken := p.ports[port]; !taken || owner == serverID {
			p.ports[port] = serverID
			return port
		}
	}

	port := p.config.FirstPort
	for {
		if _, taken := p.ports[port]; !taken {
			p.ports[port] = serverID
			return port
		}
		port++
	}
}

func (p *processProvider) releaseServer(serverID string) {
	p.instancesMutex.Lock()
	defer p.instancesMutex.Unlock()

	delete(p.instances, serverID)
	delete(p.groups, serverID)
	for port, owner := range p.ports {
		if owner == serverID {
			delete(p.ports, port)
		}
	}
}

func serverEnvironment(info domain.ServerInfo, extra map[string]string) []string {
	env := []string{
		"SERVER_ID=" + info.ServerID,
		"SERVER_NAME=" + info.Name,
		"SERVER_GROUP=" + info.Group,
		"SERVER_PORT=" + strconv.Itoa(info.Port),
	}
	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+extra[key])
	}
	return env
}
