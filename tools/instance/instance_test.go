package instance

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/xhd2015/debug-bridge-mcp/jsonfile"
	"github.com/xhd2015/debug-bridge-mcp/liveness"
	"github.com/xhd2015/debug-bridge-mcp/registry"
	"github.com/xhd2015/debug-bridge-mcp/workspace"
)

type fixture struct {
	tools    *tools
	registry *registry.Registry
	clock    *clocktesting.FakeClock
	alive    map[int]bool
	root     string
	status   Status
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock: clocktesting.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		alive: map[int]bool{},
		root:  t.TempDir(),
	}
	exists := func(pid int) bool { return f.alive[pid] }
	r, err := registry.New(
		registry.WithPath(filepath.Join(f.root, "home", "active-configs.json")),
		registry.WithClock(f.clock),
		registry.WithProcessExists(exists),
	)
	require.NoError(t, err)
	f.registry = r
	f.tools, err = newTools(ToolOptions{
		Registry: r,
		Status:   func() Status { return f.status },
		Checker:  liveness.Checker{Clock: f.clock, ProcessExists: exists},
	})
	require.NoError(t, err)
	return f
}

// addInstance writes a heartbeat file for a workspace and records it in the registry.
func (f *fixture) addInstance(t *testing.T, name string, port, pid int) registry.Entry {
	t.Helper()
	ws := filepath.Join(f.root, name)
	cfg := &workspace.Config{
		InstanceID:    "bridge-" + name,
		Port:          port,
		PID:           pid,
		WorkspacePath: ws,
		WorkspaceName: name,
		LastHeartbeat: liveness.Millis(f.clock.Now()),
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(workspace.ConfigPath(ws)), 0755))
	require.NoError(t, jsonfile.Write(workspace.ConfigPath(ws), cfg))
	f.alive[pid] = true
	e := registry.EntryFromConfig(cfg, workspace.ConfigPath(ws))
	require.NoError(t, f.registry.RegisterInstance(e))
	return e
}

func TestListInstancesStatuses(t *testing.T) {
	f := newFixture(t)
	f.addInstance(t, "alpha", 8890, 101)
	f.addInstance(t, "beta", 8891, 102)
	gone := f.addInstance(t, "gamma", 8892, 103)
	broken := f.addInstance(t, "delta", 8893, 104)

	f.alive[102] = false
	require.NoError(t, os.Remove(gone.ConfigPath))
	require.NoError(t, os.WriteFile(broken.ConfigPath, []byte("{"), 0644))

	f.status = Status{WorkspaceName: "alpha", WorkspacePath: filepath.Join(f.root, "alpha"), Running: true, Port: 8890}

	list, err := f.tools.listInstances()
	require.NoError(t, err)
	assert.Equal(t, 4, list.TotalInstances)
	assert.Equal(t, 1, list.ActiveInstances)

	byName := map[string]InstanceInfo{}
	for _, i := range list.Instances {
		byName[i.WorkspaceName] = i
	}
	assert.Equal(t, StatusActive, byName["alpha"].Status)
	assert.Equal(t, "http://localhost:8890/mcp", byName["alpha"].ConnectionURL)
	assert.Equal(t, StatusStale, byName["beta"].Status)
	assert.Empty(t, byName["beta"].ConnectionURL)
	assert.Equal(t, StatusMissing, byName["gamma"].Status)
	assert.Equal(t, gone.ConfigPath, byName["gamma"].ConfigPath)
	assert.Equal(t, StatusError, byName["delta"].Status)

	require.NotNil(t, list.CurrentInstance)
	assert.Equal(t, 8890, list.CurrentInstance.Port)
	assert.True(t, list.CurrentInstance.ServerRunning)
}

func TestNewToolsDefaults(t *testing.T) {
	f := newFixture(t)
	assert.NotNil(t, f.tools.logger)

	_, err := newTools(ToolOptions{Status: func() Status { return Status{} }})
	assert.ErrorContains(t, err, "registry is required")
	_, err = newTools(ToolOptions{Registry: f.registry})
	assert.ErrorContains(t, err, "status function is required")
}

func TestListInstancesStaleHeartbeat(t *testing.T) {
	f := newFixture(t)
	f.addInstance(t, "alpha", 8890, 101)
	f.clock.Step(workspace.DefaultMaxAge + time.Second)

	list, err := f.tools.listInstances()
	require.NoError(t, err)
	require.Len(t, list.Instances, 1)
	assert.Equal(t, StatusStale, list.Instances[0].Status)
	assert.Nil(t, list.CurrentInstance)
}

func TestSelectInstance(t *testing.T) {
	f := newFixture(t)
	alpha := f.addInstance(t, "alpha", 8890, 101)
	f.addInstance(t, "beta", 8891, 102)

	tests := []struct {
		name      string
		port      int
		workspace string
		wantPort  int
	}{
		{"by port", 8891, "", 8891},
		{"by workspace name", 0, "alpha", 8890},
		{"by workspace path", 0, alpha.WorkspacePath, 8890},
		{"port wins over workspace", 8891, "alpha", 8891},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := f.tools.selectInstance(tt.port, tt.workspace)
			require.NoError(t, err)
			require.NotNil(t, sel.Instance)
			assert.Equal(t, tt.wantPort, sel.Instance.Port)
			assert.Equal(t, ConnectionURL(tt.wantPort), sel.Instance.ConnectionURL)
			assert.Contains(t, sel.Recommendation, "--port=")
		})
	}
}

func TestSelectInstanceNoMatch(t *testing.T) {
	f := newFixture(t)
	f.addInstance(t, "alpha", 8890, 101)

	sel, err := f.tools.selectInstance(9999, "")
	require.NoError(t, err)
	assert.Nil(t, sel.Instance)
	assert.Equal(t, "No matching instance found", sel.Message)
	require.Len(t, sel.AvailableInstances, 1)
	assert.Equal(t, 8890, sel.AvailableInstances[0].Port)
}

func TestSelectInstanceEmptyRegistry(t *testing.T) {
	f := newFixture(t)
	sel, err := f.tools.selectInstance(8890, "")
	require.NoError(t, err)
	assert.Equal(t, "No active instances found", sel.Message)
	assert.Equal(t, f.registry.Path(), sel.RegistryPath)
}

func TestWorkspaceInfo(t *testing.T) {
	f := newFixture(t)
	f.addInstance(t, "alpha", 8890, 101)
	f.status = Status{
		WorkspaceName: "alpha",
		WorkspacePath: filepath.Join(f.root, "alpha"),
		Running:       true,
		Port:          8890,
		SessionCount:  2,
		Uptime:        1500 * time.Millisecond,
	}

	info := f.tools.workspaceInfo()
	assert.Equal(t, "alpha", info.Name)
	assert.Equal(t, workspace.ConfigPath(filepath.Join(f.root, "alpha")), info.ConfigFile)
	require.NotNil(t, info.Config)
	assert.True(t, info.Config.IsAlive)
	assert.Equal(t, 8890, info.Config.Port)
	assert.Equal(t, ServerInfo{IsRunning: true, Port: 8890, SessionCount: 2, UptimeMillis: 1500}, info.ServerInfo)

	f.status.WorkspacePath = filepath.Join(f.root, "nowhere")
	assert.Nil(t, f.tools.workspaceInfo().Config)
}

func TestRegisterTools(t *testing.T) {
	f := newFixture(t)
	f.addInstance(t, "alpha", 8890, 101)
	f.status = Status{WorkspaceName: "alpha", WorkspacePath: filepath.Join(f.root, "alpha"), Running: true, Port: 8890}

	s := server.NewMCPServer("Test Server", "1.0.0")
	require.Error(t, RegisterTools(s, ToolOptions{}))
	require.NoError(t, RegisterTools(s, ToolOptions{
		Registry: f.registry,
		Status:   func() Status { return f.status },
		Checker:  f.tools.checker,
	}))

	ctx := context.Background()
	c, err := client.NewInProcessClient(s)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Start(ctx))
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "1.0.0"}
	_, err = c.Initialize(ctx, initRequest)
	require.NoError(t, err)

	req := mcp.CallToolRequest{}
	req.Params.Name = "select_instance"
	req.Params.Arguments = map[string]interface{}{"workspace": "alpha"}
	result, err := c.CallTool(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)

	var sel Selection
	require.NoError(t, json.Unmarshal([]byte(text.Text), &sel))
	require.NotNil(t, sel.Instance)
	assert.Equal(t, "http://localhost:8890/mcp", sel.Instance.ConnectionURL)
	assert.Equal(t, "Use --port=8890 when running the CLI", sel.Recommendation)

	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"list_instances", "select_instance", "get_workspace_info"}, names)
}
