// Package logstream serves live console output of managed servers over websocket.
//
// A client connects to /logs/{server}, receives the most recent lines and then every
// new line until it disconnects or the server is cleaned up by the lifecycle layer.
package logstream

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 256

	MessageTypeLine  = "line"
	MessageTypeEvent = "event"

	EventRestartStarted   = "restart-started"
	EventRestartCompleted = "restart-completed"
)

type Config struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Address      string `mapstructure:"address" yaml:"address"`
	HistoryLines int    `mapstructure:"history_lines" yaml:"history_lines"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Address:      "127.0.0.1:9091",
		HistoryLines: 100,
	}
}

// Source is where console lines come from, normally the active provider
type Source interface {
	GetServerLogs(ctx context.Context, serverID string, lines int) ([]string, error)
	StreamServerLogs(ctx context.Context, serverID string, consumer func(line string)) (string, error)
	StopLogStream(ctx context.Context, subscriptionID string) (bool, error)
}

// Resolver maps a server id or name to the tracked server
type Resolver interface {
	FindServer(identifier string) (*domain.Server, bool)
}

// Message is one JSON frame sent to a tailing client
type Message struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
	Line     string `json:"line,omitempty"`
	Event    string `json:"event,omitempty"`
}

type Server struct {
	config   Config
	source   Source
	resolver Resolver
	logger   logging.Logger
	upgrader websocket.Upgrader

	mutex sync.RWMutex
	tails map[string]*tail

	runMutex   sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

func NewServer(config Config, source Source, resolver Resolver, logger logging.Logger) *Server {
	if config.HistoryLines < 0 {
		config.HistoryLines = 0
	}
	return &Server{
		config:   config,
		source:   source,
		resolver: resolver,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		tails: make(map[string]*tail),
	}
}

// Handler routes GET /logs/{server}; the optional lines query overrides the history size
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /logs/{server}", s.handleTail)
	return mux
}

// Start serves the handler on the configured address
func (s *Server) Start(ctx context.Context) error {
	s.runMutex.Lock()
	defer s.runMutex.Unlock()

	if s.httpServer != nil {
		return errors.NewConflictError("log stream server already running", nil)
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return errors.NewNetworkError("failed to listen", err).WithContext("address", s.config.Address)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("Log stream server failed: %v", err)
		}
	}()

	s.logger.Infof("Log stream server started on %s", listener.Addr())
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

// Shutdown stops the HTTP server and closes every tail
func (s *Server) Shutdown(ctx context.Context) error {
	s.runMutex.Lock()
	httpServer := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.runMutex.Unlock()

	for _, t := range s.removeTails(func(*tail) bool { return true }) {
		t.close(websocket.CloseGoingAway, "shutting down")
	}

	if httpServer == nil {
		return nil
	}
	err := httpServer.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return errors.NewTimeoutError("log stream server shutdown timed out", err)
	}
	s.logger.Infof("Log stream server stopped")
	return nil
}

// ActiveTails returns how many clients are tailing the server
func (s *Server) ActiveTails(serverID string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	n := 0
	for _, t := range s.tails {
		if t.serverID == serverID {
			n++
		}
	}
	return n
}

// CleanupServer closes every tail of a server whose lifecycle operation completed
func (s *Server) CleanupServer(info domain.ServerInfo, reason string) {
	closed := s.removeTails(func(t *tail) bool { return t.serverID == info.ServerID })
	for _, t := range closed {
		t.close(websocket.CloseNormalClosure, reason)
	}
	if len(closed) > 0 {
		s.logger.Debugf("Closed %d log tails of server %s", len(closed), info.ServerID)
	}
}

func (s *Server) RestartStarted(serverID string) {
	s.publishEvent(serverID, EventRestartStarted)
}

func (s *Server) RestartCompleted(serverID string) {
	s.publishEvent(serverID, EventRestartCompleted)
}

func (s *Server) publishEvent(serverID, event string) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, t := range s.tails {
		if t.serverID == serverID {
			t.push(Message{Type: MessageTypeEvent, ServerID: serverID, Event: event})
		}
	}
}

func (s *Server) removeTails(match func(*tail) bool) []*tail {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var removed []*tail
	for id, t := range s.tails {
		if match(t) {
			delete(s.tails, id)
			removed = append(removed, t)
		}
	}
	return removed
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	identifier := r.PathValue("server")
	server, ok := s.resolver.FindServer(identifier)
	if !ok {
		http.Error(w, "server not found", http.StatusNotFound)
		return
	}

	lines := s.config.HistoryLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid lines parameter", http.StatusBadRequest)
			return
		}
		lines = n
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Failed to upgrade log stream connection: %v", err)
		return
	}

	t := &tail{
		id:       uuid.NewString(),
		serverID: server.ID(),
		conn:     conn,
		send:     make(chan Message, sendBuffer),
		done:     make(chan struct{}),
		logger:   s.logger,
	}

	if lines > 0 {
		history, err := s.source.GetServerLogs(r.Context(), t.serverID, lines)
		if err != nil {
			s.logger.Warnf("Failed to read log history of %s: %v", t.serverID, err)
		}
		for _, line := range history {
			t.push(Message{Type: MessageTypeLine, ServerID: t.serverID, Line: line})
		}
	}

	subscriptionID, err := s.source.StreamServerLogs(context.Background(), t.serverID, func(line string) {
		t.push(Message{Type: MessageTypeLine, ServerID: t.serverID, Line: line})
	})
	if err != nil {
		s.logger.Warnf("Failed to stream logs of %s: %v", t.serverID, err)
		t.close(websocket.CloseInternalServerErr, "log stream unavailable")
		go t.writePump()
		return
	}
	t.subscriptionID = subscriptionID
	t.source = s.source

	s.mutex.Lock()
	s.tails[t.id] = t
	s.mutex.Unlock()

	s.logger.Debugf("Log tail %s opened for server %s", t.id, t.serverID)

	go t.writePump()
	go func() {
		t.readPump()
		if len(s.removeTails(func(other *tail) bool { return other == t })) > 0 {
			t.close(websocket.CloseNormalClosure, "")
		}
		s.logger.Debugf("Log tail %s closed", t.id)
	}()
}

// tail is one websocket client following one server
type tail struct {
	id             string
	serverID       string
	subscriptionID string
	source         Source
	conn           *websocket.Conn
	logger         logging.Logger

	mutex      sync.Mutex
	send       chan Message
	closed     bool
	closeCode  int
	closeText  string
	done       chan struct{}
	dropped    int
	stopStream sync.Once
}

// push queues a message; lines are dropped while the client is too slow
func (t *tail) push(message Message) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return
	}
	select {
	case t.send <- message:
	default:
		t.dropped++
	}
}

// close stops the log subscription and lets the write pump send a close frame
func (t *tail) close(code int, text string) {
	t.stopStream.Do(func() {
		if t.source != nil && t.subscriptionID != "" {
			_, _ = t.source.StopLogStream(context.Background(), t.subscriptionID)
		}
	})

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.closeCode = code
	t.closeText = text
	close(t.send)
}

func (t *tail) readPump() {
	defer close(t.done)

	t.conn.SetReadLimit(maxMessageSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				t.logger.Debugf("Log tail %s read error: %v", t.id, err)
			}
			return
		}
	}
}

func (t *tail) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
	}()

	for {
		select {
		case message, ok := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				t.mutex.Lock()
				code, text, dropped := t.closeCode, t.closeText, t.dropped
				t.mutex.Unlock()
				if dropped > 0 {
					t.logger.Warnf("Log tail %s dropped %d lines", t.id, dropped)
				}
				_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				return
			}
			if err := t.conn.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}
