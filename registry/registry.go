package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/mitchellh/go-homedir"
	"github.com/xhd2015/debug-bridge-mcp/jsonfile"
	"github.com/xhd2015/debug-bridge-mcp/liveness"
	"github.com/xhd2015/debug-bridge-mcp/log"
	"github.com/xhd2015/debug-bridge-mcp/workspace"
	"k8s.io/utils/clock"
)

const (
	// DefaultRelativePath is resolved against the user's home directory.
	DefaultRelativePath = "~/.mcp-debug-tools/active-configs.json"

	DefaultMaxAge        = 15 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// Entry is one bridge instance as recorded in the shared registry file.
type Entry struct {
	InstanceID    string `json:"instanceId"`
	WorkspacePath string `json:"workspacePath"`
	WorkspaceName string `json:"workspaceName"`
	ConfigPath    string `json:"configPath"`
	Port          int    `json:"port"`
	PID           int    `json:"pid"`
	// LastHeartbeat is in Unix milliseconds.
	LastHeartbeat int64 `json:"lastHeartbeat"`
}

// EntryFromConfig copies the registry fields out of a heartbeat record.
func EntryFromConfig(cfg *workspace.Config, configPath string) Entry {
	return Entry{
		InstanceID:    cfg.InstanceID,
		WorkspacePath: cfg.WorkspacePath,
		WorkspaceName: cfg.WorkspaceName,
		ConfigPath:    configPath,
		Port:          cfg.Port,
		PID:           cfg.PID,
		LastHeartbeat: cfg.LastHeartbeat,
	}
}

// File is the registry document.
type File struct {
	ActiveInstances []Entry `json:"activeInstances"`
	LastUpdated     int64   `json:"lastUpdated"`
}

// DefaultPath returns the registry location under the home directory.
func DefaultPath() (string, error) {
	path, err := homedir.Expand(DefaultRelativePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve registry path: %w", err)
	}
	return path, nil
}

// Registry reads and rewrites the shared registry file. Every mutation is a
// full read-modify-write guarded by an advisory lock file next to the registry.
type Registry struct {
	path          string
	lock          *flock.Flock
	clock         clock.WithTicker
	checker       liveness.Checker
	sweepInterval time.Duration
	logger        log.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithPath overrides the registry file location.
func WithPath(path string) Option {
	return func(r *Registry) { r.path = path }
}

// WithClock replaces the wall clock for timestamps, liveness and the sweep ticker.
func WithClock(c clock.WithTicker) Option {
	return func(r *Registry) { r.clock = c }
}

// WithMaxAge sets the heartbeat age after which entries are considered stale.
func WithMaxAge(d time.Duration) Option {
	return func(r *Registry) { r.checker.MaxAge = d }
}

// WithProcessExists replaces the pid probe.
func WithProcessExists(fn func(pid int) bool) Option {
	return func(r *Registry) { r.checker.ProcessExists = fn }
}

// WithSweepInterval sets how often stale entries are dropped.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New returns a Registry. The file is not touched until the first call.
func New(opts ...Option) (*Registry, error) {
	r := &Registry{
		clock:         clock.RealClock{},
		sweepInterval: DefaultSweepInterval,
		logger:        log.Nop(),
		checker: liveness.Checker{
			MaxAge: DefaultMaxAge,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.path == "" {
		path, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		r.path = path
	}
	r.checker.Clock = r.clock
	r.lock = flock.New(r.path + ".lock")
	return r, nil
}

// Path returns the registry file location.
func (r *Registry) Path() string {
	return r.path
}

// Initialize creates the registry directory and starts the periodic sweep,
// which runs until ctx is done or Close is called.
func (r *Registry) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	r.startSweep(ctx)
	return nil
}

// Close stops the periodic sweep.
func (r *Registry) Close() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// RegisterInstance replaces any entry for the same workspace path with e.
func (r *Registry) RegisterInstance(e Entry) error {
	err := r.modify(func(f *File) bool {
		kept := f.ActiveInstances[:0]
		for _, existing := range f.ActiveInstances {
			if existing.WorkspacePath != e.WorkspacePath {
				kept = append(kept, existing)
			}
		}
		f.ActiveInstances = append(kept, e)
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}
	r.logger.Infow("instance registered", "instanceId", e.InstanceID, "workspace", e.WorkspacePath, "port", e.Port)
	return nil
}

// UnregisterInstance removes the entry with instanceID.
func (r *Registry) UnregisterInstance(instanceID string) error {
	err := r.modify(func(f *File) bool {
		kept := f.ActiveInstances[:0]
		for _, existing := range f.ActiveInstances {
			if existing.InstanceID != instanceID {
				kept = append(kept, existing)
			}
		}
		f.ActiveInstances = kept
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to unregister instance: %w", err)
	}
	r.logger.Infow("instance unregistered", "instanceId", instanceID)
	return nil
}

// UpdateHeartbeat refreshes the timestamp of instanceID. An unknown id leaves
// the file untouched.
func (r *Registry) UpdateHeartbeat(instanceID string) error {
	now := liveness.Millis(r.clock.Now())
	err := r.modify(func(f *File) bool {
		for i := range f.ActiveInstances {
			if f.ActiveInstances[i].InstanceID == instanceID {
				f.ActiveInstances[i].LastHeartbeat = now
				return true
			}
		}
		return false
	})
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

// GetActiveInstances returns the entries that pass the liveness predicate,
// in file order.
func (r *Registry) GetActiveInstances() ([]Entry, error) {
	f, err := r.load()
	if err != nil {
		return nil, err
	}
	return r.alive(f.ActiveInstances), nil
}

// Entries returns every recorded entry, live or not, in file order.
func (r *Registry) Entries() ([]Entry, error) {
	f, err := r.load()
	if err != nil {
		return nil, err
	}
	return f.ActiveInstances, nil
}

// FindByWorkspace returns the live entry for workspacePath, or nil.
func (r *Registry) FindByWorkspace(workspacePath string) (*Entry, error) {
	entries, err := r.GetActiveInstances()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].WorkspacePath == workspacePath {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// Sweep drops stale entries, rewriting the file only when something was removed.
func (r *Registry) Sweep() (int, error) {
	removed := 0
	err := r.modify(func(f *File) bool {
		live := r.alive(f.ActiveInstances)
		removed = len(f.ActiveInstances) - len(live)
		if removed == 0 {
			return false
		}
		f.ActiveInstances = live
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sweep registry: %w", err)
	}
	if removed > 0 {
		r.logger.Infow("stale instances removed", "count", removed)
	}
	return removed, nil
}

func (r *Registry) alive(entries []Entry) []Entry {
	live := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if r.checker.Alive(e.PID, liveness.FromMillis(e.LastHeartbeat)) {
			live = append(live, e)
		}
	}
	return live
}

func (r *Registry) load() (*File, error) {
	var f File
	found, err := jsonfile.Read(r.path, &f)
	if err != nil {
		return nil, err
	}
	if !found {
		return &File{ActiveInstances: []Entry{}}, nil
	}
	if f.ActiveInstances == nil {
		f.ActiveInstances = []Entry{}
	}
	return &f, nil
}

// modify runs fn on the current document under the file lock and writes the
// result when fn reports a change.
func (r *Registry) modify(fn func(f *File) bool) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", r.lock.Path(), err)
	}
	defer r.lock.Unlock()

	f, err := r.load()
	if err != nil {
		return err
	}
	if !fn(f) {
		return nil
	}
	f.LastUpdated = liveness.Millis(r.clock.Now())
	return jsonfile.Write(r.path, f)
}

func (r *Registry) startSweep(ctx context.Context) {
	r.Close()

	stop := make(chan struct{})
	done := make(chan struct{})
	ticker := r.clock.NewTicker(r.sweepInterval)

	r.mu.Lock()
	r.stop = stop
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C():
				if _, err := r.Sweep(); err != nil {
					r.logger.Errorw("registry sweep failed", "error", err)
				}
			}
		}
	}()
}
