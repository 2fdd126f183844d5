// Package discovery locates a running bridge instance for the current
// directory: first through heartbeat files on the path to the filesystem
// root, then through the global registry.
package discovery

import (
	"os"
	"path/filepath"

	"github.com/xhd2015/debug-bridge-mcp/liveness"
	"github.com/xhd2015/debug-bridge-mcp/log"
	"github.com/xhd2015/debug-bridge-mcp/registry"
	"github.com/xhd2015/debug-bridge-mcp/workspace"
)

// Source tells where a discovery result came from.
type Source string

const (
	SourceWorkspaceFile Source = "workspace-file"
	SourceRegistry      Source = "registry"
)

// DefaultMaxAge judges heartbeat files by the same threshold their writer uses.
const DefaultMaxAge = workspace.DefaultMaxAge

// ConfigDirs are checked, in order, at every directory level.
var ConfigDirs = []string{workspace.DirName, ".workspace-config"}

// InstanceLister is the part of the registry discovery reads.
type InstanceLister interface {
	GetActiveInstances() ([]registry.Entry, error)
}

// Candidate is one live instance seen during discovery.
type Candidate struct {
	InstanceID    string `json:"instanceId"`
	Port          int    `json:"port"`
	WorkspacePath string `json:"workspacePath"`
	WorkspaceName string `json:"workspaceName"`
}

// Result is a selected instance.
type Result struct {
	Port          int    `json:"port"`
	Workspace     string `json:"workspace,omitempty"`
	WorkspaceName string `json:"workspaceName,omitempty"`
	InstanceID    string `json:"instanceId,omitempty"`
	ConfigPath    string `json:"configPath,omitempty"`
	Source        Source `json:"source"`
	// Candidates lists every live registry instance when the registry was used.
	Candidates []Candidate `json:"candidates,omitempty"`
}

// Options configures Discover.
type Options struct {
	// StartDir defaults to the working directory.
	StartDir string
	// Registry may be nil to skip the registry step.
	Registry InstanceLister
	// Checker judges heartbeat files. MaxAge defaults to DefaultMaxAge.
	Checker liveness.Checker
	Logger  log.Logger
}

// Discover returns the selected instance, or nil when none is running.
// Only registry read failures are returned as errors.
func Discover(opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	checker := opts.Checker
	if checker.MaxAge == 0 {
		checker.MaxAge = DefaultMaxAge
	}

	startDir := opts.StartDir
	if startDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		startDir = wd
	}

	cfg, path := FindWorkspaceConfig(startDir, checker, logger)
	if cfg != nil {
		logger.Infow("workspace instance found", "path", path, "port", cfg.Port)
		return &Result{
			Port:          cfg.Port,
			Workspace:     cfg.WorkspacePath,
			WorkspaceName: cfg.WorkspaceName,
			InstanceID:    cfg.InstanceID,
			ConfigPath:    path,
			Source:        SourceWorkspaceFile,
		}, nil
	}

	if opts.Registry == nil {
		return nil, nil
	}
	entries, err := opts.Registry.GetActiveInstances()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		logger.Infow("no active instance found")
		return nil, nil
	}

	candidates := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		candidates = append(candidates, Candidate{
			InstanceID:    e.InstanceID,
			Port:          e.Port,
			WorkspacePath: e.WorkspacePath,
			WorkspaceName: e.WorkspaceName,
		})
	}
	if len(entries) > 1 {
		for i, c := range candidates {
			logger.Infow("active instance", "index", i+1, "workspace", c.WorkspaceName, "port", c.Port)
		}
	}

	// the first entry wins until there is a selection mechanism
	selected := entries[0]
	logger.Infow("registry instance selected", "workspace", selected.WorkspaceName, "port", selected.Port, "candidates", len(entries))
	return &Result{
		Port:          selected.Port,
		Workspace:     selected.WorkspacePath,
		WorkspaceName: selected.WorkspaceName,
		InstanceID:    selected.InstanceID,
		ConfigPath:    selected.ConfigPath,
		Source:        SourceRegistry,
		Candidates:    candidates,
	}, nil
}

// FindWorkspaceConfig walks from startDir to the filesystem root and returns
// the first live heartbeat record. Stale or unreadable files are logged and
// skipped.
func FindWorkspaceConfig(startDir string, checker liveness.Checker, logger log.Logger) (*workspace.Config, string) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		logger.Warnw("cannot resolve start directory", "dir", startDir, "error", err)
		return nil, ""
	}
	for {
		for _, name := range ConfigDirs {
			path := filepath.Join(dir, name, workspace.FileName)
			cfg, err := workspace.ReadConfig(path)
			if err != nil {
				logger.Warnw("skipping unreadable heartbeat file", "path", path, "error", err)
				continue
			}
			if cfg == nil {
				continue
			}
			if !workspace.IsAlive(cfg, checker) {
				logger.Infow("skipping stale heartbeat file", "path", path, "pid", cfg.PID)
				continue
			}
			return cfg, path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, ""
		}
		dir = parent
	}
}
