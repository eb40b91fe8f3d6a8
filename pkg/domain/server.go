package domain

import (
	"sync"
	"sync/atomic"
	"time"
)

type ServerType string

const (
	ServerTypeStatic  ServerType = "STATIC"
	ServerTypeDynamic ServerType = "DYNAMIC"
)

type ServerStatus string

const (
	ServerStatusStarting ServerStatus = "STARTING"
	ServerStatusRunning  ServerStatus = "RUNNING"
	ServerStatusStopped  ServerStatus = "STOPPED"
	ServerStatusError    ServerStatus = "ERROR"
)

// DefaultMaxPlayers is the capacity assumed for a freshly created server until it reports its own
const DefaultMaxPlayers = 20

// ServerInfo is the wire and snapshot representation of a managed server.
// Timestamps are epoch milliseconds.
type ServerInfo struct {
	ServerID          string            `json:"serverId"`
	Name              string            `json:"name"`
	Group             string            `json:"group"`
	WorkingDirectory  string            `json:"workingDirectory,omitempty"`
	Address           string            `json:"address,omitempty"`
	Port              int               `json:"port"`
	Type              ServerType        `json:"type"`
	Status            ServerStatus      `json:"status"`
	OnlinePlayers     int               `json:"onlinePlayers"`
	MaxPlayers        int               `json:"maxPlayers"`
	OnlinePlayerNames []string          `json:"onlinePlayerNames"`
	CreatedAt         int64             `json:"createdAt"`
	LastHeartbeat     int64             `json:"lastHeartbeat"`
	ServiceProviderID string            `json:"serviceProviderId,omitempty"`
	ManuallyScaled    bool              `json:"isManuallyScaled"`
	Shutdown          bool              `json:"shutdown"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

func (i ServerInfo) clone() ServerInfo {
	c := i
	if i.OnlinePlayerNames != nil {
		c.OnlinePlayerNames = append([]string(nil), i.OnlinePlayerNames...)
	}
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Server is a tracked managed server. Its fields are mutated concurrently by heartbeats,
// scaling ticks and lifecycle operations, so all access goes through the methods.
type Server struct {
	mutex    sync.RWMutex
	info     ServerInfo
	shutdown atomic.Bool
}

func NewServer(info ServerInfo) *Server {
	s := &Server{info: info.clone()}
	s.shutdown.Store(info.Shutdown)
	return s
}

func (s *Server) ID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.info.ServerID
}

func (s *Server) Name() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.info.Name
}

func (s *Server) Group() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.info.Group
}

func (s *Server) Type() ServerType {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.info.Type
}

func (s *Server) Status() ServerStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.info.Status
}

func (s *Server) IsManuallyScaled() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.info.ManuallyScaled
}

// Info returns a deep copy of the current state
func (s *Server) Info() ServerInfo {
	s.mutex.RLock()
	info := s.info.clone()
	s.mutex.RUnlock()
	info.Shutdown = s.shutdown.Load()
	return info
}

// Update applies fn to the server state under the write lock
func (s *Server) Update(fn func(info *ServerInfo)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	fn(&s.info)
}

// SetStatus stores the new status and returns the previous one
func (s *Server) SetStatus(status ServerStatus) ServerStatus {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	old := s.info.Status
	s.info.Status = status
	return old
}

func (s *Server) Touch(now time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.info.LastHeartbeat = now.UnixMilli()
}

func (s *Server) LastHeartbeat() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return time.UnixMilli(s.info.LastHeartbeat)
}

func (s *Server) Metadata() map[string]string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	metadata := make(map[string]string, len(s.info.Metadata))
	for k, v := range s.info.Metadata {
		metadata[k] = v
	}
	return metadata
}

// MergeMetadata overlays values onto the current metadata; an empty value deletes the key
func (s *Server) MergeMetadata(values map[string]string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.info.Metadata == nil {
		s.info.Metadata = make(map[string]string, len(values))
	}
	for k, v := range values {
		if v == "" {
			delete(s.info.Metadata, k)
			continue
		}
		s.info.Metadata[k] = v
	}
}

func (s *Server) IsShuttingDown() bool {
	return s.shutdown.Load()
}

// BeginShutdown flips the shutdown flag and reports whether this caller won.
// A false return means another operation already owns the shutdown.
func (s *Server) BeginShutdown() bool {
	return s.shutdown.CompareAndSwap(false, true)
}

func (s *Server) ClearShutdown() {
	s.shutdown.Store(false)
}
