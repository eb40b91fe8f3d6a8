package logcollection

import (
	"io"
	"time"
)

// DefaultBufferLines is how many recent lines are retained per server
const DefaultBufferLines = 1000

// Collector captures console output of managed servers and fans it out to subscribers
type Collector interface {
	Register(serverID string) error
	Unregister(serverID string)

	// Stream collection, one goroutine per stream until EOF
	CollectFromStream(serverID string, stream io.Reader, streamType StreamType) error
	// Append records a single line produced outside a stream
	Append(serverID string, line string, streamType StreamType) error

	// Lines returns up to n of the most recent lines, oldest first; n <= 0 returns all retained
	Lines(serverID string, n int) ([]LogEntry, error)

	Subscribe(serverID string, fn func(LogEntry)) (string, error)
	Unsubscribe(subscriptionID string) bool
	// UnsubscribeServer drops every subscription for the server and returns how many were removed
	UnsubscribeServer(serverID string) int

	Stop() error
}

// StreamType identifies the source stream
type StreamType string

const (
	StdoutStream StreamType = "stdout"
	StderrStream StreamType = "stderr"
	SystemStream StreamType = "system"
)

// LogEntry is a single captured console line
type LogEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	ServerID  string     `json:"serverId"`
	Stream    StreamType `json:"stream"`
	Message   string     `json:"message"`
	LineNum   int64      `json:"lineNum"`
}

// ServerLogStatus provides status information for a specific server
type ServerLogStatus struct {
	ServerID       string    `json:"serverId"`
	Active         bool      `json:"active"`
	LinesProcessed int64     `json:"linesProcessed"`
	BytesProcessed int64     `json:"bytesProcessed"`
	LastActivity   time.Time `json:"lastActivity"`
	Subscribers    int       `json:"subscribers"`
}

// Config controls retention and the optional aggregated file output
type Config struct {
	BufferLines int              `mapstructure:"buffer_lines" yaml:"buffer_lines"`
	File        FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig writes every captured line to a rotating file
type FileOutputConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

func DefaultConfig() Config {
	return Config{
		BufferLines: DefaultBufferLines,
		File: FileOutputConfig{
			Path:       "logs/servers.log",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}
