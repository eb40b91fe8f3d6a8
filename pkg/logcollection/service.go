package logcollection

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

type subscription struct {
	serverID string
	fn       func(LogEntry)
}

type collector struct {
	config Config
	logger logging.Logger

	mutex         sync.RWMutex
	servers       map[string]*serverLogCollector
	subscriptions map[string]subscription
	output        io.WriteCloser
	outputMutex   sync.Mutex

	stopped int32 // atomic
	wg      sync.WaitGroup

	totalLines int64 // atomic
}

// NewCollector creates a collector; a zero BufferLines falls back to DefaultBufferLines
func NewCollector(config Config, logger logging.Logger) Collector {
	if config.BufferLines <= 0 {
		config.BufferLines = DefaultBufferLines
	}

	c := &collector{
		config:        config,
		logger:        logger,
		servers:       make(map[string]*serverLogCollector),
		subscriptions: make(map[string]subscription),
	}

	if config.File.Enabled {
		c.output = &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSizeMB,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		}
	}

	return c
}

func (c *collector) Register(serverID string) error {
	if atomic.LoadInt32(&c.stopped) == 1 {
		return errors.NewRejectedError("log collector stopped", nil)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.servers[serverID]; exists {
		return nil
	}
	c.servers[serverID] = newServerLogCollector(serverID, c.config.BufferLines)

	c.logger.Debugf("Server registered for log collection: %s", serverID)
	return nil
}

func (c *collector) Unregister(serverID string) {
	c.UnsubscribeServer(serverID)

	c.mutex.Lock()
	delete(c.servers, serverID)
	c.mutex.Unlock()

	c.logger.Debugf("Server unregistered from log collection: %s", serverID)
}

func (c *collector) CollectFromStream(serverID string, stream io.Reader, streamType StreamType) error {
	server, err := c.getServer(serverID)
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go c.streamReader(server, stream, streamType)
	return nil
}

func (c *collector) Append(serverID string, line string, streamType StreamType) error {
	server, err := c.getServer(serverID)
	if err != nil {
		return err
	}
	c.processLine(server, line, streamType)
	return nil
}

func (c *collector) Lines(serverID string, n int) ([]LogEntry, error) {
	server, err := c.getServer(serverID)
	if err != nil {
		return nil, err
	}
	return server.lines(n), nil
}

func (c *collector) Subscribe(serverID string, fn func(LogEntry)) (string, error) {
	if _, err := c.getServer(serverID); err != nil {
		return "", err
	}

	id := uuid.NewString()

	c.mutex.Lock()
	c.subscriptions[id] = subscription{serverID: serverID, fn: fn}
	c.mutex.Unlock()

	c.logger.Debugf("Log subscription %s created for server %s", id, serverID)
	return id, nil
}

func (c *collector) Unsubscribe(subscriptionID string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, exists := c.subscriptions[subscriptionID]; !exists {
		return false
	}
	delete(c.subscriptions, subscriptionID)
	return true
}

func (c *collector) UnsubscribeServer(serverID string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	removed := 0
	for id, sub := range c.subscriptions {
		if sub.serverID == serverID {
			delete(c.subscriptions, id)
			removed++
		}
	}
	return removed
}

// Stop waits for active stream readers to reach EOF and closes the file output
func (c *collector) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return nil
	}

	c.wg.Wait()

	c.mutex.Lock()
	c.subscriptions = make(map[string]subscription)
	c.mutex.Unlock()

	c.logger.Infof("Log collection stopped, total lines: %d", atomic.LoadInt64(&c.totalLines))

	if c.output != nil {
		c.outputMutex.Lock()
		defer c.outputMutex.Unlock()
		return c.output.Close()
	}
	return nil
}

// Status reports per-server counters
func Status(c Collector, serverID string) (*ServerLogStatus, error) {
	impl, ok := c.(*collector)
	if !ok {
		return nil, errors.NewInternalError("unsupported collector implementation", nil)
	}
	server, err := impl.getServer(serverID)
	if err != nil {
		return nil, err
	}

	status := server.status()
	impl.mutex.RLock()
	for _, sub := range impl.subscriptions {
		if sub.serverID == serverID {
			status.Subscribers++
		}
	}
	impl.mutex.RUnlock()
	return status, nil
}

func (c *collector) getServer(serverID string) (*serverLogCollector, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	server, exists := c.servers[serverID]
	if !exists {
		return nil, errors.NewNotFoundError("server not registered for log collection", nil).
			WithContext("server_id", serverID)
	}
	return server, nil
}

func (c *collector) streamReader(server *serverLogCollector, stream io.Reader, streamType StreamType) {
	defer c.wg.Done()

	server.setActive(true)
	defer server.setActive(false)

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.processLine(server, scanner.Text(), streamType)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warnf("Error reading %s of server %s: %v", streamType, server.serverID, err)
	}
}

func (c *collector) processLine(server *serverLogCollector, line string, streamType StreamType) {
	entry := server.append(line, streamType, time.Now())
	atomic.AddInt64(&c.totalLines, 1)

	c.writeToOutput(entry)

	c.mutex.RLock()
	targets := make([]func(LogEntry), 0, 1)
	for _, sub := range c.subscriptions {
		if sub.serverID == server.serverID {
			targets = append(targets, sub.fn)
		}
	}
	c.mutex.RUnlock()

	for _, fn := range targets {
		fn(entry)
	}
}

func (c *collector) writeToOutput(entry LogEntry) {
	if c.output == nil {
		return
	}

	c.outputMutex.Lock()
	defer c.outputMutex.Unlock()

	line := fmt.Sprintf("[%s][%s][%s] %s\n",
		entry.Timestamp.Format(time.RFC3339),
		entry.ServerID,
		entry.Stream,
		entry.Message,
	)
	if _, err := io.WriteString(c.output, line); err != nil {
		c.logger.Warnf("Failed to write server log line: %v", err)
	}
}

// serverLogCollector keeps the retained lines of one server in a ring
type serverLogCollector struct {
	serverID string

	mutex          sync.RWMutex
	ring           []LogEntry
	next           int
	full           bool
	lineNum        int64
	bytesProcessed int64
	lastActivity   time.Time
	active         int32 // atomic
}

func newServerLogCollector(serverID string, capacity int) *serverLogCollector {
	return &serverLogCollector{
		serverID: serverID,
		ring:     make([]LogEntry, capacity),
	}
}

func (s *serverLogCollector) append(line string, streamType StreamType, now time.Time) LogEntry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.lineNum++
	s.bytesProcessed += int64(len(line))
	s.lastActivity = now

	entry := LogEntry{
		Timestamp: now,
		ServerID:  s.serverID,
		Stream:    streamType,
		Message:   line,
		LineNum:   s.lineNum,
	}

	s.ring[s.next] = entry
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
	return entry
}

func (s *serverLogCollector) lines(n int) []LogEntry {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var ordered []LogEntry
	if s.full {
		ordered = make([]LogEntry, 0, len(s.ring))
		ordered = append(ordered, s.ring[s.next:]...)
		ordered = append(ordered, s.ring[:s.next]...)
	} else {
		ordered = make([]LogEntry, 0, s.next)
		ordered = append(ordered, s.ring[:s.next]...)
	}

	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

func (s *serverLogCollector) setActive(active bool) {
	if active {
		atomic.StoreInt32(&s.active, 1)
		return
	}
	atomic.StoreInt32(&s.active, 0)
}

func (s *serverLogCollector) status() *ServerLogStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return &ServerLogStatus{
		ServerID:       s.serverID,
		Active:         atomic.LoadInt32(&s.active) == 1,
		LinesProcessed: s.lineNum,
		BytesProcessed: s.bytesProcessed,
		LastActivity:   s.lastActivity,
	}
}
