package network

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/protocol"
)

// Connection is one plugin session. It starts unauthenticated and may be bound
// to at most one server id.
type Connection struct {
	conn          net.Conn
	remoteAddress string
	connectedAt   time.Time
	writeTimeout  time.Duration

	authenticated atomic.Bool
	closed        atomic.Bool

	mutex         sync.RWMutex
	serverID      string
	pluginType    string
	version       string
	lastHeartbeat time.Time

	writeMutex sync.Mutex
}

func newConnection(conn net.Conn, now time.Time, writeTimeout time.Duration) *Connection {
	remote := "unknown"
	if addr, ok := addrOf(conn.RemoteAddr()); ok {
		remote = addr.String()
	} else if conn.RemoteAddr() != nil {
		remote = conn.RemoteAddr().String()
	}
	return &Connection{
		conn:          conn,
		remoteAddress: remote,
		connectedAt:   now,
		writeTimeout:  writeTimeout,
		lastHeartbeat: now,
	}
}

func (c *Connection) RemoteAddress() string {
	return c.remoteAddress
}

func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *Connection) IsAuthenticated() bool {
	return c.authenticated.Load()
}

func (c *Connection) SetAuthenticated(authenticated bool) {
	c.authenticated.Store(authenticated)
}

func (c *Connection) IsActive() bool {
	return !c.closed.Load()
}

func (c *Connection) ServerID() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.serverID
}

func (c *Connection) setServerID(serverID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.serverID = serverID
}

func (c *Connection) Identity() (pluginType, version string) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.pluginType, c.version
}

func (c *Connection) setIdentity(pluginType, version string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.pluginType = pluginType
	c.version = version
}

func (c *Connection) LastHeartbeat() time.Time {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.lastHeartbeat
}

func (c *Connection) Touch(now time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastHeartbeat = now
}

// Send frames and writes one packet. Writes are serialised per connection.
func (c *Connection) Send(packet protocol.Packet) error {
	if c.closed.Load() {
		return errors.NewNetworkError("connection is closed", nil).WithContext("remote", c.remoteAddress)
	}

	frame, err := protocol.Encode(packet)
	if err != nil {
		return err
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(frame); err != nil {
		return errors.NewNetworkError("failed to write packet", err).
			WithContext("remote", c.remoteAddress).
			WithContext("packet_id", packet.ID())
	}
	return nil
}

// Close shuts the socket. The read loop observes the close and unregisters the connection.
func (c *Connection) Close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.conn.Close()
	}
}
