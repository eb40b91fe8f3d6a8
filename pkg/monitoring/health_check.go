package monitoring

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
	"github.com/core-tools/hsu-fleet/pkg/processstate"
)

type ProbeType string

const (
	ProbeTypeTCP     ProbeType = "tcp"
	ProbeTypeExec    ProbeType = "exec"
	ProbeTypeProcess ProbeType = "process"
)

type TCPProbeConfig struct {
	Address string `yaml:"address" mapstructure:"address"`
	Port    int    `yaml:"port" mapstructure:"port"`
}

type ExecProbeConfig struct {
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args,omitempty" mapstructure:"args"`
}

// ProbeConfig describes how a launched server is checked for readiness and liveness
type ProbeConfig struct {
	Type    ProbeType       `yaml:"type" mapstructure:"type"`
	TCP     TCPProbeConfig  `yaml:"tcp,omitempty" mapstructure:"tcp"`
	Exec    ExecProbeConfig `yaml:"exec,omitempty" mapstructure:"exec"`
	PID     int             `yaml:"-" mapstructure:"-"`
	Options ProbeRunOptions `yaml:"run_options,omitempty" mapstructure:"run_options"`
}

type ProbeRunOptions struct {
	Interval     time.Duration `yaml:"interval,omitempty" mapstructure:"interval"`
	Timeout      time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty" mapstructure:"initial_delay"`
	// consecutive failures before the server is reported unhealthy
	FailureThreshold int `yaml:"failure_threshold,omitempty" mapstructure:"failure_threshold"`
}

func DefaultProbeRunOptions() ProbeRunOptions {
	return ProbeRunOptions{
		Interval:         2 * time.Second,
		Timeout:          time.Second,
		FailureThreshold: 3,
	}
}

type ProbeStatus string

const (
	ProbeStatusUnknown   ProbeStatus = "unknown"
	ProbeStatusHealthy   ProbeStatus = "healthy"
	ProbeStatusDegraded  ProbeStatus = "degraded"
	ProbeStatusUnhealthy ProbeStatus = "unhealthy"
)

type ProbeState struct {
	Status               ProbeStatus
	LastCheck            time.Time
	Message              string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// HealthyCallback fires on every transition into the healthy state
type HealthyCallback func()

// UnhealthyCallback fires when the failure threshold is crossed
type UnhealthyCallback func(reason string)

type Probe interface {
	Start(ctx context.Context) error
	Stop()
	State() ProbeState
	OnHealthy(callback HealthyCallback)
	OnUnhealthy(callback UnhealthyCallback)
}

type probe struct {
	config   ProbeConfig
	id       string
	logger   logging.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mutex       sync.Mutex
	state       ProbeState
	onHealthy   HealthyCallback
	onUnhealthy UnhealthyCallback
}

func NewProbe(config ProbeConfig, id string, logger logging.Logger) Probe {
	defaults := DefaultProbeRunOptions()
	if config.Options.Interval <= 0 {
		config.Options.Interval = defaults.Interval
	}
	if config.Options.Timeout <= 0 {
		config.Options.Timeout = defaults.Timeout
	}
	if config.Options.FailureThreshold <= 0 {
		config.Options.FailureThreshold = defaults.FailureThreshold
	}
	return &probe{
		config:   config,
		id:       id,
		logger:   logger,
		stopChan: make(chan struct{}),
		state:    ProbeState{Status: ProbeStatusUnknown},
	}
}

func (p *probe) Start(ctx context.Context) error {
	if err := ValidateProbeConfig(p.config); err != nil {
		p.logger.Errorf("Probe configuration validation failed, id: %s, error: %v", p.id, err)
		return errors.NewValidationError("invalid probe configuration", err).WithContext("id", p.id)
	}

	p.logger.Debugf("Starting probe, id: %s, type: %s, interval: %v", p.id, p.config.Type, p.config.Options.Interval)
	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

func (p *probe) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
}

func (p *probe) State() ProbeState {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.state
}

func (p *probe) OnHealthy(callback HealthyCallback) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.onHealthy = callback
}

func (p *probe) OnUnhealthy(callback UnhealthyCallback) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.onUnhealthy = callback
}

func (p *probe) loop(ctx context.Context) {
	defer p.wg.Done()

	if p.config.Options.InitialDelay > 0 {
		select {
		case <-time.After(p.config.Options.InitialDelay):
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(p.config.Options.Interval)
	defer ticker.Stop()

	p.performCheck()

	for {
		select {
		case <-ticker.C:
			p.performCheck()
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *probe) performCheck() {
	var healthy bool
	var message string

	switch p.config.Type {
	case ProbeTypeTCP:
		healthy, message = p.checkTCP()
	case ProbeTypeExec:
		healthy, message = p.checkExec()
	case ProbeTypeProcess:
		healthy, message = p.checkProcess()
	default:
		message = "unknown probe type: " + string(p.config.Type)
	}

	p.updateState(healthy, message)
}

func (p *probe) updateState(healthy bool, message string) {
	p.mutex.Lock()

	previous := p.state.Status
	p.state.LastCheck = time.Now()
	p.state.Message = message

	var fire func()
	if healthy {
		p.state.ConsecutiveSuccesses++
		p.state.ConsecutiveFailures = 0
		if previous != ProbeStatusHealthy {
			p.state.Status = ProbeStatusHealthy
			p.logger.Infof("Probe healthy, id: %s, previous: %s", p.id, previous)
			if callback := p.onHealthy; callback != nil {
				fire = callback
			}
		}
	} else {
		p.state.ConsecutiveFailures++
		p.state.ConsecutiveSuccesses = 0

		next := ProbeStatusDegraded
		if p.state.ConsecutiveFailures >= p.config.Options.FailureThreshold {
			next = ProbeStatusUnhealthy
		}
		if previous == ProbeStatusUnknown {
			// a server that never came up is still starting
			next = ProbeStatusUnknown
		}

		if next != previous {
			p.state.Status = next
			p.logger.Warnf("Probe status changed, id: %s, status: %s->%s, consecutive_failures: %d, message: %s",
				p.id, previous, next, p.state.ConsecutiveFailures, message)
			if next == ProbeStatusUnhealthy && p.onUnhealthy != nil {
				callback := p.onUnhealthy
				fire = func() { callback(message) }
			}
		} else {
			p.logger.Debugf("Probe failed, id: %s, status: %s, consecutive_failures: %d, message: %s",
				p.id, p.state.Status, p.state.ConsecutiveFailures, message)
		}
	}
	p.mutex.Unlock()

	if fire != nil {
		fire()
	}
}

func (p *probe) checkTCP() (bool, string) {
	address := net.JoinHostPort(p.config.TCP.Address, strconv.Itoa(p.config.TCP.Port))

	conn, err := net.DialTimeout("tcp", address, p.config.Options.Timeout)
	if err != nil {
		return false, fmt.Sprintf("TCP connection failed: %v", err)
	}
	defer conn.Close()

	return true, "TCP connection successful to " + address
}

func (p *probe) checkExec() (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.Options.Timeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, p.config.Exec.Command, p.config.Exec.Args...).CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return false, fmt.Sprintf("exec probe timed out after %v", p.config.Options.Timeout)
	}
	if err != nil {
		return false, fmt.Sprintf("exec probe failed: %v, output: %s", err, string(output))
	}
	return true, "exec probe passed"
}

func (p *probe) checkProcess() (bool, string) {
	running, err := processstate.IsProcessRunning(p.config.PID)
	if !running {
		return false, fmt.Sprintf("process not running: PID %d (%v)", p.config.PID, err)
	}
	return true, fmt.Sprintf("process is running: PID %d", p.config.PID)
}
