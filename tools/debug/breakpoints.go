package debug

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func (t *tools) registerBreakpointTools(s *server.MCPServer) {
	t.registerSetBreakpointTool(s)
	t.registerRemoveBreakpointTool(s)
	t.registerClearBreakpointsTool(s)
	t.registerListBreakpointsTool(s)
}

func (t *tools) registerSetBreakpointTool(s *server.MCPServer) {
	tool := mcp.NewTool("set_breakpoint",
		mcp.WithDescription("Set a breakpoint in a debug session"),
		sessionParam(),
		mcp.WithString("file",
			mcp.Required(),
			mcp.Description("Source file to set breakpoint in (absolute path)"),
		),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("Line number to set breakpoint at"),
			mcp.Min(1),
		),
		mcp.WithString("condition",
			mcp.Description("Only stop when this expression is true"),
		),
	)

	s.AddTool(tool, t.handle("set_breakpoint", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		file := request.GetString("file", "")
		line := request.GetInt("line", 0)
		if file == "" || line < 1 {
			return mcp.NewToolResultError("file and a positive line are required"), nil
		}

		session, err := t.resolveSession(request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get debug session: %v", err)), nil
		}

		bp, err := session.SetBreakpoint(ctx, file, line, request.GetString("condition", ""))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to set breakpoint: %v", err)), nil
		}

		text := fmt.Sprintf("Breakpoint set at %s:%d (ID: %d)", bp.File, bp.Line, bp.ID)
		if !bp.Verified {
			text += "\nNot verified"
			if bp.Message != "" {
				text += ": " + bp.Message
			}
		}
		return mcp.NewToolResultText(text), nil
	}))
}

func (t *tools) registerRemoveBreakpointTool(s *server.MCPServer) {
	tool := mcp.NewTool("remove_breakpoint",
		mcp.WithDescription("Remove the breakpoint at a source location"),
		sessionParam(),
		mcp.WithString("file",
			mcp.Required(),
			mcp.Description("Source file of the breakpoint (absolute path)"),
		),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("Line number of the breakpoint"),
		),
	)

	s.AddTool(tool, t.handle("remove_breakpoint", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		file := request.GetString("file", "")
		line := request.GetInt("line", 0)

		session, err := t.resolveSession(request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get debug session: %v", err)), nil
		}
		if err := session.RemoveBreakpoint(ctx, file, line); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to remove breakpoint: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Breakpoint removed from %s:%d", file, line)), nil
	}))
}

func (t *tools) registerClearBreakpointsTool(s *server.MCPServer) {
	tool := mcp.NewTool("clear_breakpoints",
		mcp.WithDescription("Remove all breakpoints of a file, or of every file when no file is given"),
		sessionParam(),
		mcp.WithString("file",
			mcp.Description("Source file whose breakpoints are removed"),
		),
	)

	s.AddTool(tool, t.handle("clear_breakpoints", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		file := request.GetString("file", "")

		session, err := t.resolveSession(request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get debug session: %v", err)), nil
		}
		if err := session.ClearBreakpoints(ctx, file); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to clear breakpoints: %v", err)), nil
		}
		if file == "" {
			return mcp.NewToolResultText("All breakpoints cleared"), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Breakpoints cleared in %s", file)), nil
	}))
}

func (t *tools) registerListBreakpointsTool(s *server.MCPServer) {
	tool := mcp.NewTool("list_breakpoints",
		mcp.WithDescription("List all breakpoints in the current debug session"),
		sessionParam(),
	)

	s.AddTool(tool, t.handle("list_breakpoints", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := t.resolveSession(request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get debug session: %v", err)), nil
		}

		bps := session.Breakpoints()
		if len(bps) == 0 {
			return mcp.NewToolResultText("No breakpoints"), nil
		}
		var b strings.Builder
		for _, bp := range bps {
			fmt.Fprintf(&b, "%d\t%s:%d", bp.ID, bp.File, bp.Line)
			if bp.Condition != "" {
				fmt.Fprintf(&b, " if %s", bp.Condition)
			}
			if !bp.Verified {
				b.WriteString(" (unverified)")
			}
			b.WriteString("\n")
		}
		return mcp.NewToolResultText(b.String()), nil
	}))
}
