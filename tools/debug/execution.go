package debug

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/xhd2015/debug-bridge-mcp/debug/common"
)

type executionTool struct {
	name        string
	description string
	done        string
	failure     string
	run         func(session common.Session, ctx context.Context, threadID int) error
}

var executionTools = []executionTool{
	{
		name:        "continue",
		description: "Continue execution until the next breakpoint",
		done:        "Execution continued",
		failure:     "continue execution",
		run:         common.Session.Continue,
	},
	{
		name:        "next",
		description: "Step over current line in a debug session",
		done:        "Stepped over current line",
		failure:     "step over",
		run:         common.Session.Next,
	},
	{
		name:        "step_in",
		description: "Step into function in a debug session",
		done:        "Stepped into function",
		failure:     "step in",
		run:         common.Session.StepIn,
	},
	{
		name:        "step_out",
		description: "Step out of function in a debug session",
		done:        "Stepped out of function",
		failure:     "step out",
		run:         common.Session.StepOut,
	},
	{
		name:        "pause",
		description: "Pause a running program",
		done:        "Pause requested",
		failure:     "pause",
		run:         common.Session.Pause,
	},
}

func (t *tools) registerExecutionTools(s *server.MCPServer) {
	for _, et := range executionTools {
		t.registerExecutionTool(s, et)
	}
}

func (t *tools) registerExecutionTool(s *server.MCPServer, et executionTool) {
	tool := mcp.NewTool(et.name,
		mcp.WithDescription(et.description),
		sessionParam(),
		mcp.WithNumber("thread_id",
			mcp.Description("Thread to act on. Defaults to the thread that last stopped"),
		),
	)

	s.AddTool(tool, t.handle(et.name, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := t.resolveSession(request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get debug session: %v", err)), nil
		}
		if err := et.run(session, ctx, request.GetInt("thread_id", 0)); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to %s: %v", et.failure, err)), nil
		}
		return mcp.NewToolResultText(et.done), nil
	}))
}
