// Package integration drives a real bridge through the stdio proxy against
// dlv. The tests are skipped when dlv is not installed.
package integration

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/debug-bridge-mcp/bridge"
	"github.com/xhd2015/debug-bridge-mcp/debug"
	"github.com/xhd2015/debug-bridge-mcp/debug/common"
	"github.com/xhd2015/debug-bridge-mcp/discovery"
	"github.com/xhd2015/debug-bridge-mcp/log"
	"github.com/xhd2015/debug-bridge-mcp/proxy"
	"github.com/xhd2015/debug-bridge-mcp/registry"
	debugtools "github.com/xhd2015/debug-bridge-mcp/tools/debug"
	"github.com/xhd2015/debug-bridge-mcp/tools/instance"
)

// line of `sum := a + b` in testdata/hello.go
const addLine = 24

// findProjectRoot walks up to the directory holding go.mod.
func findProjectRoot(t *testing.T) string {
	dir, err := os.Getwd()
	require.NoError(t, err, "Failed to get working directory")

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("Could not find project root with go.mod")
			return ""
		}
		dir = parent
	}
}

type env struct {
	bridge *bridge.Server
	client *client.Client
	dir    string
}

func setup(t *testing.T) *env {
	t.Helper()
	dlvPath, err := exec.LookPath("dlv")
	if err != nil {
		t.Skip("dlv not found on PATH")
	}
	ctx := context.Background()
	root := findProjectRoot(t)
	dir := filepath.Join(root, "cmd", "debug-bridge", "integration", "testdata")

	regPath := filepath.Join(t.TempDir(), "active-configs.json")
	srv, err := bridge.New(bridge.Config{
		Workspace:    dir,
		Port:         19890,
		RegistryPath: regPath,
		Debug: debug.Options{
			Adapter: debug.AdapterDlv,
			DlvPath: dlvPath,
			// building the debuggee can take a while
			RequestTimeout: time.Minute,
		},
		Logger: log.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, srv.Stop(stopCtx))
	})

	// resolve the bridge the way the proxy binary does
	reg, err := registry.New(registry.WithPath(regPath))
	require.NoError(t, err)
	found, err := discovery.Discover(discovery.Options{StartDir: dir, Registry: reg})
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, srv.Info().Port, found.Port)

	px, err := proxy.New(ctx, bridge.URL(found.Port), proxy.WithCallTimeout(2*time.Minute))
	require.NoError(t, err)
	t.Cleanup(func() { px.Close() })

	c, err := client.NewInProcessClient(px.Server())
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: "integration", Version: "1.0.0"}
	_, err = c.Initialize(ctx, initRequest)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return &env{bridge: srv, client: c, dir: dir}
}

func (e *env) callTool(name string, args map[string]interface{}) (string, bool, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := e.client.CallTool(context.Background(), req)
	if err != nil {
		return "", false, err
	}
	var texts []string
	for _, c := range result.Content {
		if text, ok := mcp.AsTextContent(c); ok {
			texts = append(texts, text.Text)
		}
	}
	return strings.Join(texts, "\n"), result.IsError, nil
}

func (e *env) call(t *testing.T, name string, args map[string]interface{}) string {
	t.Helper()
	out, isError, err := e.callTool(name, args)
	require.NoError(t, err, name)
	require.False(t, isError, "%s failed: %s", name, out)
	return out
}

// waitPaused polls get_debug_state; it must not fail the test from the
// polling goroutine.
func (e *env) waitPaused(t *testing.T) debugtools.DebugState {
	t.Helper()
	var state debugtools.DebugState
	require.Eventually(t, func() bool {
		out, isError, err := e.callTool("get_debug_state", nil)
		if err != nil || isError {
			return false
		}
		state = debugtools.DebugState{}
		if err := json.Unmarshal([]byte(out), &state); err != nil {
			return false
		}
		return state.Session != nil && state.Session.State == common.StatePaused
	}, time.Minute, 200*time.Millisecond)
	return state
}

func TestDebugThroughProxy(t *testing.T) {
	e := setup(t)
	program := filepath.Join(e.dir, "hello.go")

	out := e.call(t, "start_debug", map[string]interface{}{
		"program":       program,
		"mode":          "debug",
		"stop_on_entry": true,
	})
	require.Contains(t, out, "Debug session started with ID:")
	e.waitPaused(t)

	out = e.call(t, "set_breakpoint", map[string]interface{}{"file": program, "line": addLine})
	assert.Contains(t, out, "Breakpoint set at")
	assert.Contains(t, out, "hello.go:24")

	assert.Contains(t, e.call(t, "continue", nil), "Execution continued")
	state := e.waitPaused(t)
	require.NotNil(t, state.LastStop)
	assert.Equal(t, "breakpoint", state.LastStop.Reason)

	assert.Contains(t, e.call(t, "stack_trace", nil), "main.add")
	assert.Contains(t, e.call(t, "evaluate", map[string]interface{}{"expression": "a + b"}), "Expression result: 12")

	vars := e.call(t, "get_variables", nil)
	assert.Contains(t, vars, "a int = 5")
	assert.Contains(t, vars, "b int = 7")

	assert.Equal(t, 1, e.bridge.Info().SessionCount)

	out = e.call(t, "terminate_debug", nil)
	assert.Contains(t, out, "terminated")
	assert.Equal(t, "No active debug sessions", e.call(t, "list_sessions", nil))
}

func TestInstanceToolsThroughProxy(t *testing.T) {
	e := setup(t)

	out := e.call(t, "get_workspace_info", nil)
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, e.dir, info["path"])

	var list instance.InstanceList
	require.NoError(t, json.Unmarshal([]byte(e.call(t, "list_instances", nil)), &list))
	assert.Equal(t, 1, list.TotalInstances)
	assert.Equal(t, 1, list.ActiveInstances)
}
