// Package instance exposes the bridge instances of this machine as tools, so
// a client can find out which workspace it is talking to and how to reach
// the others.
package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/xhd2015/debug-bridge-mcp/liveness"
	"github.com/xhd2015/debug-bridge-mcp/log"
	"github.com/xhd2015/debug-bridge-mcp/registry"
	"github.com/xhd2015/debug-bridge-mcp/workspace"
)

// Instance statuses reported by list_instances.
const (
	StatusActive  = "active"
	StatusStale   = "stale"
	StatusError   = "error"
	StatusMissing = "missing"
)

// Status describes the bridge serving these tools.
type Status struct {
	WorkspaceName string        `json:"workspaceName"`
	WorkspacePath string        `json:"workspacePath"`
	Running       bool          `json:"isRunning"`
	Port          int           `json:"port"`
	SessionCount  int           `json:"sessionCount"`
	Uptime        time.Duration `json:"-"`
}

type ToolOptions struct {
	Registry *registry.Registry
	// Status reports the current state of the local bridge.
	Status  func() Status
	Checker liveness.Checker
	Logger  log.Logger
}

type tools struct {
	registry *registry.Registry
	status   func() Status
	checker  liveness.Checker
	logger   log.Logger
}

// RegisterTools registers list_instances, select_instance and get_workspace_info.
func RegisterTools(s *server.MCPServer, opts ToolOptions) error {
	t, err := newTools(opts)
	if err != nil {
		return err
	}
	t.registerListInstancesTool(s)
	t.registerSelectInstanceTool(s)
	t.registerWorkspaceInfoTool(s)
	return nil
}

func newTools(opts ToolOptions) (*tools, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("instance registry is required")
	}
	if opts.Status == nil {
		return nil, fmt.Errorf("status function is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &tools{
		registry: opts.Registry,
		status:   opts.Status,
		checker:  opts.Checker,
		logger:   opts.Logger,
	}, nil
}

// ConnectionURL is the protocol endpoint of a bridge listening on port.
func ConnectionURL(port int) string {
	return fmt.Sprintf("http://localhost:%d/mcp", port)
}

type InstanceInfo struct {
	InstanceID    string `json:"instanceId,omitempty"`
	WorkspaceName string `json:"workspaceName"`
	WorkspacePath string `json:"workspacePath"`
	Port          int    `json:"port,omitempty"`
	PID           int    `json:"pid,omitempty"`
	Status        string `json:"status"`
	ConnectionURL string `json:"connectionUrl,omitempty"`
	ConfigPath    string `json:"configPath,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type CurrentInstance struct {
	WorkspaceName string `json:"workspaceName"`
	WorkspacePath string `json:"workspacePath"`
	ServerRunning bool   `json:"serverRunning"`
	Port          int    `json:"port"`
}

type InstanceList struct {
	CurrentInstance *CurrentInstance `json:"currentInstance,omitempty"`
	TotalInstances  int              `json:"totalInstances"`
	ActiveInstances int              `json:"activeInstances"`
	Instances       []InstanceInfo   `json:"instances"`
}

// listInstances inspects every registry entry through its heartbeat file.
func (t *tools) listInstances() (*InstanceList, error) {
	entries, err := t.registry.Entries()
	if err != nil {
		return nil, err
	}

	list := &InstanceList{Instances: make([]InstanceInfo, 0, len(entries))}
	for _, e := range entries {
		info := InstanceInfo{
			InstanceID:    e.InstanceID,
			WorkspaceName: e.WorkspaceName,
			WorkspacePath: e.WorkspacePath,
		}
		cfg, err := workspace.ReadConfig(e.ConfigPath)
		switch {
		case err != nil:
			t.logger.Debugw("unreadable heartbeat file", "path", e.ConfigPath, "error", err)
			info.Status = StatusError
			info.Reason = "failed to read config file"
		case cfg == nil:
			info.Status = StatusMissing
			info.ConfigPath = e.ConfigPath
		default:
			info.InstanceID = cfg.InstanceID
			info.Port = cfg.Port
			info.PID = cfg.PID
			info.WorkspaceName = cfg.WorkspaceName
			info.WorkspacePath = cfg.WorkspacePath
			if workspace.IsAlive(cfg, t.checker) {
				info.Status = StatusActive
				info.ConnectionURL = ConnectionURL(cfg.Port)
				list.ActiveInstances++
			} else {
				info.Status = StatusStale
				info.Reason = "process not found or heartbeat expired"
			}
		}
		list.Instances = append(list.Instances, info)
	}
	list.TotalInstances = len(list.Instances)

	st := t.status()
	if st.WorkspacePath != "" {
		list.CurrentInstance = &CurrentInstance{
			WorkspaceName: st.WorkspaceName,
			WorkspacePath: st.WorkspacePath,
			ServerRunning: st.Running,
			Port:          st.Port,
		}
	}
	return list, nil
}

func (t *tools) registerListInstancesTool(s *server.MCPServer) {
	tool := mcp.NewTool("list_instances",
		mcp.WithDescription("List all bridge instances recorded on this machine and whether they are alive"),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := t.listInstances()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read instance registry: %v", err)), nil
		}
		return mcp.NewToolResultJSON(list)
	})
}

type SelectedInstance struct {
	Port          int    `json:"port"`
	WorkspaceName string `json:"workspaceName"`
	WorkspacePath string `json:"workspacePath"`
	PID           int    `json:"pid"`
	ConnectionURL string `json:"connectionUrl"`
}

type Selection struct {
	Message            string            `json:"message"`
	Instance           *SelectedInstance `json:"instance,omitempty"`
	Recommendation     string            `json:"recommendation,omitempty"`
	AvailableInstances []InstanceInfo    `json:"availableInstances,omitempty"`
	RegistryPath       string            `json:"registryPath,omitempty"`
}

// selectInstance picks a live instance by port, or else by workspace path or name.
func (t *tools) selectInstance(port int, ws string) (*Selection, error) {
	active, err := t.registry.GetActiveInstances()
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return &Selection{Message: "No active instances found", RegistryPath: t.registry.Path()}, nil
	}

	var selected *registry.Entry
	for i := range active {
		e := &active[i]
		if port > 0 {
			if e.Port == port {
				selected = e
				break
			}
			continue
		}
		if ws != "" && (e.WorkspacePath == ws || e.WorkspaceName == ws) {
			selected = e
			break
		}
	}

	if selected == nil {
		sel := &Selection{Message: "No matching instance found"}
		for _, e := range active {
			sel.AvailableInstances = append(sel.AvailableInstances, InstanceInfo{
				WorkspaceName: e.WorkspaceName,
				WorkspacePath: e.WorkspacePath,
				Port:          e.Port,
				Status:        StatusActive,
			})
		}
		return sel, nil
	}

	return &Selection{
		Message: "Instance selected",
		Instance: &SelectedInstance{
			Port:          selected.Port,
			WorkspaceName: selected.WorkspaceName,
			WorkspacePath: selected.WorkspacePath,
			PID:           selected.PID,
			ConnectionURL: ConnectionURL(selected.Port),
		},
		Recommendation: fmt.Sprintf("Use --port=%d when running the CLI", selected.Port),
	}, nil
}

func (t *tools) registerSelectInstanceTool(s *server.MCPServer) {
	tool := mcp.NewTool("select_instance",
		mcp.WithDescription("Select a specific bridge instance to connect to, by port or by workspace"),
		mcp.WithNumber("port",
			mcp.Description("Port of the instance"),
		),
		mcp.WithString("workspace",
			mcp.Description("Workspace path or name of the instance"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sel, err := t.selectInstance(request.GetInt("port", 0), request.GetString("workspace", ""))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read instance registry: %v", err)), nil
		}
		return mcp.NewToolResultJSON(sel)
	})
}

type ConfigStatus struct {
	Port    int    `json:"port,omitempty"`
	PID     int    `json:"pid,omitempty"`
	IsAlive bool   `json:"isAlive"`
	Error   string `json:"error,omitempty"`
}

type ServerInfo struct {
	IsRunning    bool  `json:"isRunning"`
	Port         int   `json:"port"`
	SessionCount int   `json:"sessionCount"`
	UptimeMillis int64 `json:"uptime"`
}

type WorkspaceInfo struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	ConfigFile string        `json:"configFile"`
	Config     *ConfigStatus `json:"configStatus"`
	ServerInfo ServerInfo    `json:"serverInfo"`
}

func (t *tools) workspaceInfo() *WorkspaceInfo {
	st := t.status()
	configPath := workspace.ConfigPath(st.WorkspacePath)
	info := &WorkspaceInfo{
		Name:       st.WorkspaceName,
		Path:       st.WorkspacePath,
		ConfigFile: configPath,
		ServerInfo: ServerInfo{
			IsRunning:    st.Running,
			Port:         st.Port,
			SessionCount: st.SessionCount,
			UptimeMillis: st.Uptime.Milliseconds(),
		},
	}

	cfg, err := workspace.ReadConfig(configPath)
	switch {
	case err != nil:
		info.Config = &ConfigStatus{Error: "failed to read config file"}
	case cfg != nil:
		info.Config = &ConfigStatus{
			Port:    cfg.Port,
			PID:     cfg.PID,
			IsAlive: workspace.IsAlive(cfg, t.checker),
		}
	}
	return info
}

func (t *tools) registerWorkspaceInfoTool(s *server.MCPServer) {
	tool := mcp.NewTool("get_workspace_info",
		mcp.WithDescription("Get information about the workspace this bridge serves and the bridge itself"),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultJSON(t.workspaceInfo())
	})
}
