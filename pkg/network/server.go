package network

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/protocol"
	"github.com/core-tools/hsu-fleet/pkg/provider"
)

type Config struct {
	BindAddress       string        `mapstructure:"bind_address" yaml:"bind_address"`
	Port              int           `mapstructure:"port" yaml:"port"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ControlTimeout    time.Duration `mapstructure:"control_timeout" yaml:"control_timeout"`
	AuthRequired      bool          `mapstructure:"auth_required" yaml:"auth_required"`
	Key               string        `mapstructure:"key" yaml:"key"`
	AllowedNetworks   []string      `mapstructure:"allowed_networks" yaml:"allowed_networks"`
}

func DefaultConfig() Config {
	return Config{
		BindAddress:       "0.0.0.0",
		Port:              9090,
		ConnectionTimeout: DefaultConnectionTimeout,
		SweepInterval:     DefaultSweepInterval,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		ControlTimeout:    30 * time.Second,
		AuthRequired:      true,
	}
}

// Directory is the view of tracked servers the network layer reads and updates
type Directory interface {
	Server(serverID string) (*domain.Server, bool)
	FindServer(identifier string) (*domain.Server, bool)
	AllServers() []*domain.Server
	UpdateServerInfo(serverID string, info domain.ServerInfo) bool
	UpdatePlayerCount(serverID string, online, max int) bool
}

// Lifecycle runs the workflows triggered by a lost connection
type Lifecycle interface {
	StopServer(ctx context.Context, server *domain.Server) error
	RemoveServer(ctx context.Context, server *domain.Server, options provider.DeletionOptions) error
}

// Controller executes ServerControl directives
type Controller interface {
	ControlServer(ctx context.Context, serverIdentifier string, action domain.ServerAction) error
}

// Server accepts plugin sessions over TCP and broadcasts fleet changes to them
type Server struct {
	config      Config
	auth        *Authenticator
	validator   *Validator
	connections *ConnectionManager
	logger      logging.Logger

	backendMutex sync.RWMutex
	directory    Directory
	lifecycle    Lifecycle
	controller   Controller

	runMutex sync.Mutex
	listener net.Listener
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewServer(config Config, logger logging.Logger) (*Server, error) {
	defaults := DefaultConfig()
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.ControlTimeout <= 0 {
		config.ControlTimeout = defaults.ControlTimeout
	}

	validator, err := NewValidator(config.AllowedNetworks, logger)
	if err != nil {
		return nil, err
	}

	if config.AuthRequired && config.Key == "" {
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		config.Key = key
		logger.Infof("Generated network key for this session")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    config,
		auth:      NewAuthenticator(config.Key, config.AuthRequired, logger),
		validator: validator,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.connections = NewConnectionManager(config.ConnectionTimeout, config.SweepInterval, s.handleServerDisconnection, logger)
	return s, nil
}

// Attach wires the fleet components. It must be called before Start.
func (s *Server) Attach(directory Directory, lifecycle Lifecycle, controller Controller) {
	s.backendMutex.Lock()
	defer s.backendMutex.Unlock()
	s.directory = directory
	s.lifecycle = lifecycle
	s.controller = controller
}

func (s *Server) backend() (Directory, Lifecycle, Controller) {
	s.backendMutex.RLock()
	defer s.backendMutex.RUnlock()
	return s.directory, s.lifecycle, s.controller
}

// Key is the shared secret plugins must present
func (s *Server) Key() string {
	return s.config.Key
}

func (s *Server) Connections() *ConnectionManager {
	return s.connections
}

// Start listens on the configured address
func (s *Server) Start(ctx context.Context) error {
	address := net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.Port))

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return errors.NewNetworkError("failed to listen", err).WithContext("address", address)
	}
	return s.Serve(listener)
}

// Serve accepts sessions on an existing listener
func (s *Server) Serve(listener net.Listener) error {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()

	if s.running.Load() {
		return errors.NewConflictError("network server already running", nil)
	}

	s.listener = listener
	s.running.Store(true)
	s.connections.Start()

	s.wg.Add(1)
	go s.acceptLoop(listener)

	s.logger.Infof("Network server started on %s", listener.Addr())
	return nil
}

func (s *Server) Addr() net.Addr {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) IsRunning() bool {
	return s.running.Load()
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if !s.running.Load() || stderrors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Errorf("Failed to accept connection: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn runs one session until the peer disconnects or the read timeout expires
func (s *Server) ServeConn(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Exception in connection handler: %v\n%s", r, debug.Stack())
		}
	}()

	if !s.validator.Allow(conn.RemoteAddr()) {
		_ = conn.Close()
		return
	}

	connection := newConnection(conn, time.Now(), s.config.WriteTimeout)
	s.connections.Add(connection)
	defer s.connections.Remove(connection)
	defer connection.Close()

	session := &session{server: s, connection: connection}
	decoder := protocol.NewDecoder(s.logger)
	buf := make([]byte, 32*1024)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			if !session.drain(decoder) {
				return
			}
		}
		if err != nil {
			var netErr net.Error
			switch {
			case stderrors.As(err, &netErr) && netErr.Timeout():
				s.logger.Warnf("Connection from %s timed out reading", connection.RemoteAddress())
			case stderrors.Is(err, io.EOF), stderrors.Is(err, net.ErrClosed), !connection.IsActive():
			default:
				s.logger.Debugf("Read from %s failed: %v", connection.RemoteAddress(), err)
			}
			return
		}
	}
}

// Shutdown stops accepting, closes every session and waits for handlers
func (s *Server) Shutdown(ctx context.Context) error {
	s.runMutex.Lock()
	if !s.running.Load() {
		s.runMutex.Unlock()
		return nil
	}
	s.running.Store(false)
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.runMutex.Unlock()

	s.connections.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infof("Network server stopped")
		return nil
	case <-ctx.Done():
		return errors.NewTimeoutError("network server shutdown timed out", ctx.Err())
	}
}

// ServerAdded broadcasts a server that became available
func (s *Server) ServerAdded(info domain.ServerInfo) {
	if !s.running.Load() {
		return
	}
	s.connections.Broadcast(&protocol.ServerAddPacket{Server: info})
}

// ServerUpdated broadcasts a changed server and pushes the new state to its own plugin
func (s *Server) ServerUpdated(info domain.ServerInfo) {
	if !s.running.Load() {
		return
	}
	s.connections.Broadcast(&protocol.ServerUpdatePacket{Server: info})
	s.connections.SendToServer(info.ServerID, &protocol.FleetServerUpdatePacket{Server: &info})
}

func (s *Server) ServerRemoved(serverID string, reason string) {
	if !s.running.Load() {
		return
	}
	s.connections.Broadcast(&protocol.ServerRemovePacket{ServerID: serverID, Reason: reason})
}

// CleanupServer releases the socket binding of a server whose lifecycle operation completed
func (s *Server) CleanupServer(info domain.ServerInfo, reason string) {
	if s.connections.Release(info.ServerID) {
		s.logger.Debugf("Released connection binding of server %s (%s)", info.ServerID, reason)
	}
}

// SendCommand forwards a console command to the plugin bound to the server
func (s *Server) SendCommand(serverID, command string) error {
	packet := &protocol.ServerCommandPacket{ServerID: serverID, Command: command}
	if !s.connections.SendToServer(serverID, packet) {
		return errors.NewNotFoundError("server has no active connection", nil).WithContext("server_id", serverID)
	}
	return nil
}

func (s *Server) handleServerDisconnection(serverID string) {
	directory, lifecycle, _ := s.backend()
	if directory == nil || lifecycle == nil {
		return
	}

	server, ok := directory.Server(serverID)
	if !ok {
		return
	}
	s.logger.Infof("Server %s disconnected, marking as offline", serverID)

	// the lifecycle layer's shutdown flag decides whether this or a concurrent stop acts
	var err error
	if server.Type() == domain.ServerTypeDynamic {
		err = lifecycle.RemoveServer(context.Background(), server, provider.DeleteConnectionLost())
	} else {
		err = lifecycle.StopServer(context.Background(), server)
	}
	switch {
	case errors.IsRejectedError(err):
		s.logger.Debugf("Server %s is already being shut down, skipping disconnection handling", serverID)
	case err != nil:
		s.logger.Errorf("Failed to handle disconnection of server %s: %v", serverID, err)
	}
}

// goAsync runs fn on a handler goroutine tracked by Shutdown
func (s *Server) goAsync(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Errorf("Panic in async handler: %v\n%s", r, debug.Stack())
			}
		}()
		fn(s.ctx)
	}()
}
