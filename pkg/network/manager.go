package network

import (
	"sync"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/protocol"
)

const (
	DefaultSweepInterval     = 10 * time.Second
	DefaultConnectionTimeout = 30 * time.Second
)

// DisconnectHandler is called after a bound connection goes away
type DisconnectHandler func(serverID string)

// ConnectionManager tracks live sessions and the server id each one is bound to
type ConnectionManager struct {
	timeout       time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	onDisconnect  DisconnectHandler
	logger        logging.Logger

	mutex       sync.RWMutex
	connections map[*Connection]struct{}
	servers     map[string]*Connection

	runMutex sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewConnectionManager(timeout, sweepInterval time.Duration, onDisconnect DisconnectHandler, logger logging.Logger) *ConnectionManager {
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &ConnectionManager{
		timeout:       timeout,
		sweepInterval: sweepInterval,
		now:           time.Now,
		onDisconnect:  onDisconnect,
		logger:        logger,
		connections:   make(map[*Connection]struct{}),
		servers:       make(map[string]*Connection),
	}
}

func (m *ConnectionManager) Add(connection *Connection) {
	m.mutex.Lock()
	m.connections[connection] = struct{}{}
	m.mutex.Unlock()

	m.logger.Debugf("New connection from %s", connection.RemoteAddress())
}

// Remove forgets a connection. A bound server id is released and the disconnect
// handler runs for it.
func (m *ConnectionManager) Remove(connection *Connection) {
	m.mutex.Lock()
	if _, ok := m.connections[connection]; !ok {
		m.mutex.Unlock()
		return
	}
	delete(m.connections, connection)

	serverID := connection.ServerID()
	released := false
	if serverID != "" && m.servers[serverID] == connection {
		delete(m.servers, serverID)
		released = true
	}
	m.mutex.Unlock()

	m.logger.Debugf("Connection from %s disconnected", connection.RemoteAddress())

	if released && m.onDisconnect != nil {
		m.onDisconnect(serverID)
	}
}

// Bind associates a server id with a connection. The first binder wins: a
// connection keeps its first id, and an id held by another live connection is
// not taken over.
func (m *ConnectionManager) Bind(connection *Connection, serverID string) bool {
	if serverID == "" {
		return false
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.connections[connection]; !ok {
		return false
	}
	if current := connection.ServerID(); current != "" {
		if current != serverID {
			m.logger.Warnf("Connection from %s is bound to %s, ignoring server id %s", connection.RemoteAddress(), current, serverID)
		}
		return current == serverID
	}
	if holder, ok := m.servers[serverID]; ok && holder != connection && holder.IsActive() {
		m.logger.Warnf("Server %s is already bound to %s, rejecting binding from %s", serverID, holder.RemoteAddress(), connection.RemoteAddress())
		return false
	}

	connection.setServerID(serverID)
	m.servers[serverID] = connection
	m.logger.Infof("Server %s bound to connection from %s", serverID, connection.RemoteAddress())
	return true
}

// Release drops the binding of a server id without closing the connection or
// running the disconnect handler. The next report from any connection may bind it again.
func (m *ConnectionManager) Release(serverID string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	connection, ok := m.servers[serverID]
	if !ok {
		return false
	}
	delete(m.servers, serverID)
	connection.setServerID("")
	return true
}

func (m *ConnectionManager) ServerConnection(serverID string) (*Connection, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	connection, ok := m.servers[serverID]
	return connection, ok
}

func (m *ConnectionManager) snapshot() []*Connection {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	connections := make([]*Connection, 0, len(m.connections))
	for connection := range m.connections {
		connections = append(connections, connection)
	}
	return connections
}

// Broadcast sends a packet to every authenticated connection
func (m *ConnectionManager) Broadcast(packet protocol.Packet) {
	for _, connection := range m.snapshot() {
		if !connection.IsAuthenticated() || !connection.IsActive() {
			continue
		}
		if err := connection.Send(packet); err != nil {
			m.logger.Debugf("Broadcast to %s failed: %v", connection.RemoteAddress(), err)
		}
	}
}

// SendToServer delivers a packet to the connection bound to the server id
func (m *ConnectionManager) SendToServer(serverID string, packet protocol.Packet) bool {
	connection, ok := m.ServerConnection(serverID)
	if !ok || !connection.IsActive() {
		return false
	}
	if err := connection.Send(packet); err != nil {
		m.logger.Warnf("Failed to send packet to server %s: %v", serverID, err)
		return false
	}
	return true
}

func (m *ConnectionManager) ConnectedServers() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	return ids
}

func (m *ConnectionManager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) AuthenticatedCount() int {
	n := 0
	for _, connection := range m.snapshot() {
		if connection.IsAuthenticated() {
			n++
		}
	}
	return n
}

// Start runs the heartbeat sweep until Stop
func (m *ConnectionManager) Start() {
	m.runMutex.Lock()
	defer m.runMutex.Unlock()
	if m.stopChan != nil {
		return
	}

	m.stopChan = make(chan struct{})
	m.wg.Add(1)
	go m.sweepLoop(m.stopChan)
}

func (m *ConnectionManager) sweepLoop(stopChan chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-stopChan:
			return
		}
	}
}

// Sweep disconnects authenticated connections whose last heartbeat is older than the timeout
func (m *ConnectionManager) Sweep() int {
	now := m.now()
	expired := 0
	for _, connection := range m.snapshot() {
		if !connection.IsAuthenticated() {
			continue
		}
		silent := now.Sub(connection.LastHeartbeat())
		if silent <= m.timeout {
			continue
		}
		m.logger.Warnf("Connection from %s timed out (no heartbeat for %ds)", connection.RemoteAddress(), int(silent.Seconds()))
		connection.Close()
		expired++
	}
	return expired
}

// Stop halts the sweep and closes every connection. Connections are forgotten
// before they close, so no disconnect handling runs during shutdown.
func (m *ConnectionManager) Stop() {
	m.runMutex.Lock()
	if m.stopChan != nil {
		close(m.stopChan)
		m.wg.Wait()
		m.stopChan = nil
	}
	m.runMutex.Unlock()

	connections := m.snapshot()

	m.mutex.Lock()
	m.connections = make(map[*Connection]struct{})
	m.servers = make(map[string]*Connection)
	m.mutex.Unlock()

	for _, connection := range connections {
		connection.Close()
	}
}
