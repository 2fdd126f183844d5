package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xhd2015/debug-bridge-mcp/jsonfile"
	"github.com/xhd2015/debug-bridge-mcp/liveness"
	"github.com/xhd2015/debug-bridge-mcp/log"
	"k8s.io/utils/clock"
)

const (
	// DirName is the per-workspace directory holding the heartbeat file.
	DirName = ".mcp-debug-tools"
	// FileName is the heartbeat file name inside DirName.
	FileName = "config.json"

	DefaultInterval = 5 * time.Second
	DefaultMaxAge   = 10 * time.Second
)

// Config is the on-disk heartbeat record of one bridge instance.
type Config struct {
	InstanceID    string `json:"instanceId"`
	Port          int    `json:"port"`
	PID           int    `json:"pid"`
	WorkspacePath string `json:"workspacePath"`
	WorkspaceName string `json:"workspaceName"`
	// LastHeartbeat is in Unix milliseconds.
	LastHeartbeat int64 `json:"lastHeartbeat"`
}

// HeartbeatTime returns LastHeartbeat as a time.
func (c *Config) HeartbeatTime() time.Time {
	return liveness.FromMillis(c.LastHeartbeat)
}

// ConfigPath returns the heartbeat file location for a workspace.
func ConfigPath(workspacePath string) string {
	return filepath.Join(workspacePath, DirName, FileName)
}

// ReadConfig loads a heartbeat file. It returns nil, nil when the file is absent.
func ReadConfig(path string) (*Config, error) {
	var cfg Config
	found, err := jsonfile.Read(path, &cfg)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &cfg, nil
}

// IsAlive applies the liveness predicate to cfg.
func IsAlive(cfg *Config, checker liveness.Checker) bool {
	if cfg == nil {
		return false
	}
	if checker.MaxAge == 0 {
		checker.MaxAge = DefaultMaxAge
	}
	return checker.Alive(cfg.PID, cfg.HeartbeatTime())
}

// Heartbeat owns the heartbeat file of the current process for one workspace.
type Heartbeat struct {
	workspacePath string
	workspaceName string
	path          string
	interval      time.Duration
	clock         clock.WithTicker
	logger        log.Logger
	pid           int
	onBeat        func()

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// Option configures a Heartbeat.
type Option func(*Heartbeat)

// WithInterval sets the rewrite interval.
func WithInterval(d time.Duration) Option {
	return func(h *Heartbeat) { h.interval = d }
}

// WithClock replaces the wall clock.
func WithClock(c clock.WithTicker) Option {
	return func(h *Heartbeat) { h.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(h *Heartbeat) { h.logger = l }
}

// WithPID overrides the recorded process id.
func WithPID(pid int) Option {
	return func(h *Heartbeat) { h.pid = pid }
}

// WithBeatHook registers fn to run after every successful periodic rewrite.
func WithBeatHook(fn func()) Option {
	return func(h *Heartbeat) { h.onBeat = fn }
}

// WithWorkspaceName overrides the name derived from the workspace path.
func WithWorkspaceName(name string) Option {
	return func(h *Heartbeat) { h.workspaceName = name }
}

// New returns a Heartbeat for workspacePath. Nothing is written until Initialize.
func New(workspacePath string, opts ...Option) *Heartbeat {
	h := &Heartbeat{
		workspacePath: workspacePath,
		workspaceName: filepath.Base(workspacePath),
		path:          ConfigPath(workspacePath),
		interval:      DefaultInterval,
		clock:         clock.RealClock{},
		logger:        log.Nop(),
		pid:           os.Getpid(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Path returns the heartbeat file location.
func (h *Heartbeat) Path() string {
	return h.path
}

// Initialize writes a fresh record for port and starts the periodic rewrite.
func (h *Heartbeat) Initialize(port int) (*Config, error) {
	if err := os.MkdirAll(filepath.Dir(h.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	now := h.clock.Now()
	cfg := &Config{
		InstanceID:    fmt.Sprintf("bridge-%d-%d", h.pid, liveness.Millis(now)),
		Port:          port,
		PID:           h.pid,
		WorkspacePath: h.workspacePath,
		WorkspaceName: h.workspaceName,
		LastHeartbeat: liveness.Millis(now),
	}
	if err := jsonfile.Write(h.path, cfg); err != nil {
		return nil, err
	}
	h.logger.Infow("heartbeat file written", "path", h.path, "instanceId", cfg.InstanceID, "port", port)

	h.startTicker()
	return cfg, nil
}

// Update loads the current record, applies mutate, refreshes the heartbeat
// timestamp and rewrites the file. It reports whether the file was written;
// without a record it only logs a warning.
func (h *Heartbeat) Update(mutate func(cfg *Config)) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg, err := ReadConfig(h.path)
	if err != nil {
		return false, err
	}
	if cfg == nil {
		h.logger.Warnw("no heartbeat record to update", "path", h.path)
		return false, nil
	}
	if mutate != nil {
		mutate(cfg)
	}
	cfg.LastHeartbeat = liveness.Millis(h.clock.Now())
	if err := jsonfile.Write(h.path, cfg); err != nil {
		return false, err
	}
	return true, nil
}

// Load returns the current record, or nil when the file is absent.
func (h *Heartbeat) Load() (*Config, error) {
	return ReadConfig(h.path)
}

// Cleanup stops the periodic rewrite and deletes the file.
func (h *Heartbeat) Cleanup() error {
	h.stopTicker()

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := jsonfile.Remove(h.path); err != nil {
		return fmt.Errorf("failed to remove heartbeat file: %w", err)
	}
	h.logger.Infow("heartbeat file removed", "path", h.path)
	return nil
}

func (h *Heartbeat) startTicker() {
	h.stopTicker()

	stop := make(chan struct{})
	done := make(chan struct{})
	ticker := h.clock.NewTicker(h.interval)

	h.mu.Lock()
	h.stop = stop
	h.done = done
	h.mu.Unlock()

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				written, err := h.Update(nil)
				if err != nil {
					h.logger.Errorw("heartbeat update failed", "path", h.path, "error", err)
					continue
				}
				if written && h.onBeat != nil {
					h.onBeat()
				}
			}
		}
	}()
}

func (h *Heartbeat) stopTicker() {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
