// Package fleet assembles the control plane: provider, lifecycle, scaling, the plugin
// network server, the operator control service and the log stream endpoint.
package fleet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	corecontrol "github.com/core-tools/hsu-core/pkg/control"
	coredomain "github.com/core-tools/hsu-core/pkg/domain"
	corelogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-fleet/pkg/control"
	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/lifecycle"
	"github.com/core-tools/hsu-fleet/pkg/logcollection"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/logstream"
	"github.com/core-tools/hsu-fleet/pkg/network"
	"github.com/core-tools/hsu-fleet/pkg/provider"
	"github.com/core-tools/hsu-fleet/pkg/scaling"
)

// State represents the current state of the fleet
type State string

const (
	// StateNotStarted is the initial state before Start is called
	StateNotStarted State = "not_started"

	// StateRunning means scaling is active and plugins may connect
	StateRunning State = "running"

	// StateStopping means the fleet is shutting down
	StateStopping State = "stopping"

	// StateStopped means the fleet has stopped
	StateStopped State = "stopped"
)

// DefaultCommandTimeout bounds every operator command
const DefaultCommandTimeout = 2 * time.Minute

type Dependencies struct {
	Logger logging.Logger
	// CoreLogger enables the operator control service; without it no gRPC server is started
	CoreLogger corelogging.Logger
	// Provider overrides the backend selected by the configuration
	Provider provider.Provider
	Now      func() time.Time
}

// Fleet owns every control plane component and implements the operator contract
type Fleet struct {
	config         *Config
	logger         logging.Logger
	commandTimeout time.Duration

	logs      logcollection.Collector
	provider  provider.Provider
	service   *lifecycle.Service
	scaling   *scaling.Manager
	network   *network.Server
	logStream *logstream.Server
	watcher   *GroupWatcher
	server    corecontrol.Server

	mutex sync.Mutex
	state State
}

var _ domain.Contract = (*Fleet)(nil)

func New(config *Config, deps Dependencies) (*Fleet, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}
	logger := deps.Logger

	logs := logcollection.NewCollector(config.LogCollection, logging.WithPrefix(logger, "logs: "))

	p := deps.Provider
	if p == nil {
		var err error
		p, err = NewProvider(config.Provider, provider.Dependencies{
			Logger: logging.WithPrefix(logger, "provider: "),
			Logs:   logs,
		})
		if err != nil {
			logs.Stop()
			return nil, err
		}
	}

	networkServer, err := network.NewServer(config.Network, logging.WithPrefix(logger, "network: "))
	if err != nil {
		logs.Stop()
		return nil, errors.NewInternalError("failed to create network server", err)
	}

	directories := lifecycle.NewDirectoryManager(config.Resolve(config.Fleet.ServersDir), logger)
	templates := lifecycle.NewTemplateManager(config.Resolve(config.Fleet.TemplatesDir), logger)
	lifecycleLogger := logging.WithPrefix(logger, "lifecycle: ")
	service := lifecycle.NewService(lifecycle.NewManager(p, directories, templates, lifecycleLogger), networkServer, lifecycleLogger)
	service.AddResourceCleaner(networkServer)

	scalingManager := scaling.NewManager(config.Scaling, scaling.Dependencies{
		Service:     service,
		Broadcaster: networkServer,
		Logger:      logging.WithPrefix(logger, "scaling: "),
		Now:         deps.Now,
	})

	f := &Fleet{
		config:         config,
		logger:         logger,
		commandTimeout: DefaultCommandTimeout,
		logs:           logs,
		provider:       p,
		service:        service,
		scaling:        scalingManager,
		network:        networkServer,
		state:          StateNotStarted,
	}
	networkServer.Attach(scalingManager, service, f)

	if config.LogStream.Enabled {
		f.logStream = logstream.NewServer(config.LogStream, p, scalingManager, logging.WithPrefix(logger, "logstream: "))
		service.AddResourceCleaner(f.logStream)
		service.AddRestartObserver(f.logStream)
	}

	if config.Fleet.WatchGroups {
		f.watcher = NewGroupWatcher(f.groupsDir(), 0, f.reloadGroups, logger)
	}

	if deps.CoreLogger != nil {
		server, err := corecontrol.NewServer(corecontrol.ServerOptions{Port: config.Control.Port}, deps.CoreLogger)
		if err != nil {
			logs.Stop()
			return nil, errors.NewInternalError("failed to create control server", err)
		}
		corecontrol.RegisterGRPCServerHandler(server.GRPC(), coredomain.NewDefaultHandler(deps.CoreLogger), deps.CoreLogger)
		control.RegisterGRPCServerHandler(server.GRPC(), f, logging.WithPrefix(logger, "control: "))
		f.server = server
	}

	return f, nil
}

// NewProvider creates the backend selected by the configuration
func NewProvider(config ProviderConfig, deps provider.Dependencies) (provider.Provider, error) {
	switch config.Type {
	case "", provider.TypeMemory:
		return provider.NewMemoryProvider(config.Memory, deps), nil
	case provider.TypeProcess:
		return provider.NewProcessProvider(config.Process, deps), nil
	case provider.TypeKubernetes:
		return provider.NewKubernetesProvider(config.Kubernetes, deps)
	default:
		return nil, errors.NewValidationError(
			fmt.Sprintf("unsupported provider type: %s", config.Type),
			nil,
		).WithContext("supported_types", strings.Join([]string{provider.TypeMemory, provider.TypeProcess, provider.TypeKubernetes}, ", "))
	}
}

func (f *Fleet) groupsDir() string {
	return f.config.Resolve(f.config.Scaling.GroupsDir)
}

func (f *Fleet) Scaling() *scaling.Manager {
	return f.scaling
}

func (f *Fleet) Network() *network.Server {
	return f.network
}

func (f *Fleet) Service() *lifecycle.Service {
	return f.service
}

func (f *Fleet) LogStream() *logstream.Server {
	return f.logStream
}

func (f *Fleet) GetState() State {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.state
}

func (f *Fleet) setState(state State) {
	f.mutex.Lock()
	f.state = state
	f.mutex.Unlock()
}

// Start loads the groups, waits for the backend resources of every group and then
// opens the plugin and operator endpoints. Broken group files are skipped.
func (f *Fleet) Start(ctx context.Context) error {
	f.mutex.Lock()
	if f.state != StateNotStarted {
		state := f.state
		f.mutex.Unlock()
		return errors.NewConflictError("fleet already started", nil).WithContext("state", string(state))
	}
	f.mutex.Unlock()

	f.logger.Infof("Starting fleet...")

	groups, err := LoadGroups(f.groupsDir())
	if err != nil {
		if groups == nil {
			return err
		}
		f.logger.Errorf("Some group files failed to load: %v", err)
	}
	if err := f.scaling.Load(groups); err != nil {
		f.logger.Errorf("Some groups were skipped: %v", err)
	}
	f.logger.Infof("Loaded %d groups from %s", len(f.scaling.Scalers()), f.groupsDir())

	if err := f.scaling.Start(ctx); err != nil {
		return err
	}

	if err := f.network.Start(ctx); err != nil {
		f.scaling.Shutdown(context.Background())
		return err
	}

	if f.logStream != nil {
		if err := f.logStream.Start(ctx); err != nil {
			f.logger.Errorf("Log stream endpoint unavailable: %v", err)
		}
	}

	if f.server != nil {
		f.server.Start(ctx)
	}

	if f.watcher != nil {
		if err := f.watcher.Start(); err != nil {
			f.logger.Warnf("Group hot reload disabled: %v", err)
		}
	}

	f.setState(StateRunning)
	f.logger.Infof("Fleet started, plugin key: %s", maskKey(f.network.Key()))
	return nil
}

// Stop shuts everything down within the force shutdown timeout. Managed servers
// are deleted with system shutdown options.
func (f *Fleet) Stop(ctx context.Context) error {
	f.logger.Infof("Stopping fleet...")
	f.setState(StateStopping)

	if ctx == nil {
		ctx = context.Background()
	}

	forcedShutdownTimeout := f.config.Fleet.ForceShutdownTimeout
	if forcedShutdownTimeout <= 0 {
		forcedShutdownTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, forcedShutdownTimeout)
	defer cancel()

	errorCollection := errors.NewErrorCollection()

	if f.watcher != nil {
		errorCollection.Add(f.watcher.Stop())
	}
	if f.server != nil {
		f.server.Shutdown(ctx)
	}

	// plugin sessions close first so their disconnects do not race the shutdown deletes
	errorCollection.Add(f.network.Shutdown(ctx))
	errorCollection.Add(f.scaling.Shutdown(ctx))

	if f.logStream != nil {
		errorCollection.Add(f.logStream.Shutdown(ctx))
	}
	errorCollection.Add(f.provider.Shutdown(ctx))
	errorCollection.Add(f.logs.Stop())

	f.setState(StateStopped)

	if errorCollection.HasErrors() {
		f.logger.Errorf("Fleet stopped with errors: %v", errorCollection)
		return errorCollection.ToError()
	}
	f.logger.Infof("Fleet stopped")
	return nil
}

func (f *Fleet) reloadGroups(groups []*domain.GroupConfig) error {
	if f.GetState() != StateRunning {
		return errors.NewRejectedError("fleet is not running", nil)
	}
	return f.scaling.Reload(context.Background(), groups)
}

// Status summarises the fleet in one line
func (f *Fleet) Status(ctx context.Context) (string, error) {
	servers := f.scaling.AllServers()
	running := 0
	for _, server := range servers {
		if server.Status() == domain.ServerStatusRunning {
			running++
		}
	}
	return fmt.Sprintf("%s: %d groups, %d servers (%d running), %d plugin connections",
		f.GetState(), len(f.scaling.Scalers()), len(servers), running, f.network.Connections().AuthenticatedCount()), nil
}

func (f *Fleet) ListGroups(ctx context.Context) ([]domain.GroupStatus, error) {
	return f.scaling.GroupStatuses(), nil
}

// ListServers returns every tracked server, or the servers of one group
func (f *Fleet) ListServers(ctx context.Context, group string) ([]domain.ServerInfo, error) {
	var servers []*domain.Server
	if group == "" {
		servers = f.scaling.AllServers()
	} else {
		scaler, ok := f.scaling.Scaler(group)
		if !ok {
			return nil, errors.NewNotFoundError("group not found", nil).WithContext("group", group)
		}
		servers = scaler.Servers()
	}

	infos := make([]domain.ServerInfo, 0, len(servers))
	for _, server := range servers {
		infos = append(infos, server.Info())
	}
	return infos, nil
}

// ControlServer runs a lifecycle action on a server found by id or name. START on
// a group name launches a new manually scaled server in that group.
func (f *Fleet) ControlServer(ctx context.Context, serverIdentifier string, action domain.ServerAction) error {
	if err := f.requireRunning(); err != nil {
		return err
	}

	server, ok := f.scaling.FindServer(serverIdentifier)
	if !ok {
		if action == domain.ServerActionStart {
			if scaler, found := f.scaling.Scaler(serverIdentifier); found {
				return f.runCommand(ctx, "start "+scaler.Name(), scaler.TriggerScaleUp)
			}
		}
		return errors.NewNotFoundError("server not found", nil).WithContext("server", serverIdentifier)
	}

	name := strings.ToLower(string(action)) + " " + server.Name()
	switch action {
	case domain.ServerActionStart:
		return f.runCommand(ctx, name, func(ctx context.Context) error { return f.service.StartServer(ctx, server) })
	case domain.ServerActionStop:
		return f.runCommand(ctx, name, func(ctx context.Context) error { return f.service.StopServer(ctx, server) })
	case domain.ServerActionRestart:
		return f.runCommand(ctx, name, func(ctx context.Context) error { return f.service.RestartServer(ctx, server) })
	case domain.ServerActionRemove:
		return f.runCommand(ctx, name, func(ctx context.Context) error {
			return f.service.RemoveServer(ctx, server, provider.DeleteUserCommand())
		})
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported server action: %s", action),
			nil,
		).WithContext("supported_actions", "START, STOP, RESTART, REMOVE")
	}
}

// ScaleGroup applies a manual scaling request to a group
func (f *Fleet) ScaleGroup(ctx context.Context, group string, direction domain.ScaleDirection) error {
	if err := f.requireRunning(); err != nil {
		return err
	}

	scaler, ok := f.scaling.Scaler(group)
	if !ok {
		return errors.NewNotFoundError("group not found", nil).WithContext("group", group)
	}

	switch direction {
	case domain.ScaleDirectionUp:
		return f.runCommand(ctx, "scale up "+scaler.Name(), scaler.TriggerScaleUp)
	case domain.ScaleDirectionDown:
		return f.runCommand(ctx, "scale down "+scaler.Name(), scaler.TriggerScaleDown)
	case domain.ScaleDirectionPause:
		scaler.Pause()
		f.logger.Infof("Scaling paused for group: %s", scaler.Name())
		return nil
	case domain.ScaleDirectionResume:
		scaler.Resume()
		f.logger.Infof("Scaling resumed for group: %s", scaler.Name())
		return nil
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported scale direction: %s", direction),
			nil,
		).WithContext("supported_directions", "UP, DOWN, PAUSE, RESUME")
	}
}

// SendCommand forwards a console command to the plugin of a server
func (f *Fleet) SendCommand(ctx context.Context, serverIdentifier string, command string) error {
	if strings.TrimSpace(command) == "" {
		return errors.NewValidationError("command cannot be empty", nil)
	}
	server, ok := f.scaling.FindServer(serverIdentifier)
	if !ok {
		return errors.NewNotFoundError("server not found", nil).WithContext("server", serverIdentifier)
	}
	return f.network.SendCommand(server.ID(), command)
}

func (f *Fleet) requireRunning() error {
	if state := f.GetState(); state != StateRunning {
		return errors.NewRejectedError(
			fmt.Sprintf("fleet must be running, current state: %s", state),
			nil,
		).WithContext("fleet_state", string(state))
	}
	return nil
}

// runCommand enforces the wall-clock command timeout. The command keeps running in
// the background when the deadline passes; the caller gets a timeout rather than
// the command's eventual result.
func (f *Fleet) runCommand(ctx context.Context, name string, command func(ctx context.Context) error) error {
	timeout := f.commandTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	done := make(chan error, 1)
	go func() {
		done <- command(context.WithoutCancel(ctx))
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			f.logger.Errorf("Command %s failed: %v", name, err)
		}
		return err
	case <-timer.C:
		f.logger.Warnf("Command %s timed out after %v", name, timeout)
		return errors.NewTimeoutError("command timed out", nil).WithContext("command", name).WithContext("timeout", timeout.String())
	case <-ctx.Done():
		return errors.NewCancelledError("command cancelled", ctx.Err()).WithContext("command", name)
	}
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
