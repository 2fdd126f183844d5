package debug

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/xhd2015/debug-bridge-mcp/debug/common"
	"github.com/xhd2015/debug-bridge-mcp/log"
)

type ToolOptions struct {
	Logger log.Logger
}

type tools struct {
	sessionManager common.SessionManager
	logger         log.Logger
}

// RegisterTools registers the debug tools with the MCP server
func RegisterTools(s *server.MCPServer, sessionManager common.SessionManager, opts ToolOptions) error {
	if sessionManager == nil {
		return fmt.Errorf("session manager is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	t := &tools{sessionManager: sessionManager, logger: logger}

	t.registerStartDebugTool(s)
	t.registerTerminateDebugTool(s)
	t.registerListSessionsTool(s)
	t.registerDebugStateTool(s)

	t.registerBreakpointTools(s)
	t.registerExecutionTools(s)
	t.registerInspectTools(s)
	return nil
}

// handle logs the call and recovers the session the request names.
func (t *tools) handle(name string, fn func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		result, err := fn(ctx, request)
		failed := err != nil || (result != nil && result.IsError)
		t.logger.Debugw("tool call", "tool", name, "args", request.GetArguments(), "failed", failed, "took", time.Since(start))
		return result, err
	}
}

// sessionParam is the optional session_id every session-scoped tool accepts.
func sessionParam() mcp.ToolOption {
	return mcp.WithString("session_id",
		mcp.Description("ID of the debug session. Defaults to the most recently started session that is still alive"),
	)
}

// resolveSession returns the session named by session_id, or the active one.
func (t *tools) resolveSession(request mcp.CallToolRequest) (common.Session, error) {
	if id := request.GetString("session_id", ""); id != "" {
		return t.sessionManager.GetSession(id)
	}
	return t.sessionManager.ActiveSession()
}

func getDefaultMode(program string) (string, error) {
	// if is dir, then debug
	state, err := os.Stat(program)
	if err != nil {
		return "", err
	}
	if state.IsDir() {
		return "debug", nil
	}
	if strings.HasSuffix(program, ".go") {
		if strings.HasSuffix(program, "_test.go") {
			return "test", nil
		}
		return "debug", nil
	}
	return "exec", nil
}

func (t *tools) registerStartDebugTool(s *server.MCPServer) {
	tool := mcp.NewTool("start_debug",
		mcp.WithDescription("Start a debug session for a Go program"),
		mcp.WithString("program",
			mcp.Required(),
			mcp.Description("Path to Go program to debug (absolute or relative)"),
		),
		mcp.WithArray("args",
			mcp.Description("Command line arguments for the program"),
			mcp.Items(map[string]interface{}{"type": "string"}),
		),
		mcp.WithString("mode",
			mcp.Description("Debug mode: 'debug' for normal debugging, 'test' for debugging tests, 'exec' for executing a binary"),
			mcp.Enum("debug", "test", "exec"),
		),
		mcp.WithString("cwd",
			mcp.Description("Working directory of the program"),
		),
		mcp.WithBoolean("stop_on_entry",
			mcp.Description("Pause the program before its first line runs"),
		),
	)

	s.AddTool(tool, t.handle("start_debug", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		program, err := request.RequireString("program")
		if err != nil || program == "" {
			return mcp.NewToolResultError("program is required"), nil
		}

		// Convert relative path to absolute
		if !filepath.IsAbs(program) {
			absPath, err := filepath.Abs(program)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Failed to get absolute path: %v", err)), nil
			}
			program = absPath
		}

		mode := request.GetString("mode", "")
		if mode == "" {
			mode, err = getDefaultMode(program)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Failed to get default mode: %v", err)), nil
			}
		}

		info, err := t.sessionManager.CreateSession(ctx, common.LaunchConfig{
			Program:     program,
			Args:        request.GetStringSlice("args", nil),
			Mode:        mode,
			Cwd:         request.GetString("cwd", ""),
			StopOnEntry: request.GetBool("stop_on_entry", false),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to start debug session: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Debug session started with ID: %s\nProgram: %s\nMode: %s",
			info.ID, info.ProgramPath, mode)), nil
	}))
}

func (t *tools) registerTerminateDebugTool(s *server.MCPServer) {
	tool := mcp.NewTool("terminate_debug",
		mcp.WithDescription("Terminate a debug session and the program it debugs"),
		sessionParam(),
	)

	s.AddTool(tool, t.handle("terminate_debug", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := t.resolveSession(request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get debug session: %v", err)), nil
		}
		id := session.Info().ID
		if err := t.sessionManager.TerminateSession(ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to terminate debug session: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Debug session %s terminated", id)), nil
	}))
}

func (t *tools) registerListSessionsTool(s *server.MCPServer) {
	tool := mcp.NewTool("list_sessions",
		mcp.WithDescription("List debug sessions"),
	)

	s.AddTool(tool, t.handle("list_sessions", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessions := t.sessionManager.ListSessions()
		if len(sessions) == 0 {
			return mcp.NewToolResultText("No active debug sessions"), nil
		}

		var b strings.Builder
		b.WriteString("Debug sessions:\n\n")
		for _, session := range sessions {
			fmt.Fprintf(&b, "ID: %s\nProgram: %s\nMode: %s\nState: %s\n\n",
				session.ID, session.ProgramPath, session.Mode, session.State)
		}
		return mcp.NewToolResultText(b.String()), nil
	}))
}

// DebugState is the result of get_debug_state.
type DebugState struct {
	Session     *common.SessionInfo `json:"session"`
	LastStop    *common.StopInfo    `json:"lastStop,omitempty"`
	Breakpoints []common.Breakpoint `json:"breakpoints"`
}

func (t *tools) registerDebugStateTool(s *server.MCPServer) {
	tool := mcp.NewTool("get_debug_state",
		mcp.WithDescription("Get the execution state of a debug session, why it last stopped, and its breakpoints"),
		sessionParam(),
	)

	s.AddTool(tool, t.handle("get_debug_state", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := t.resolveSession(request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get debug session: %v", err)), nil
		}
		state := DebugState{
			Session:     session.Info(),
			LastStop:    session.LastStop(),
			Breakpoints: session.Breakpoints(),
		}
		if state.Breakpoints == nil {
			state.Breakpoints = []common.Breakpoint{}
		}
		return mcp.NewToolResultJSON(state)
	}))
}
