package debug

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func (t *tools) registerInspectTools(s *server.MCPServer) {
	t.registerListThreadsTool(s)
	t.registerStackTraceTool(s)
	t.registerGetVariablesTool(s)
	t.registerEvaluateTool(s)
}

func (t *tools) registerListThreadsTool(s *server.MCPServer) {
	tool := mcp.NewTool("list_threads",
		mcp.WithDescription("List the threads (goroutines) of the debugged program"),
		sessionParam(),
	)

	s.AddTool(tool, t.handle("list_threads", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := t.resolveSession(request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get debug session: %v", err)), nil
		}
		threads, err := session.Threads(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list threads: %v", err)), nil
		}
		var b strings.Builder
		for _, th := range threads {
			fmt.Fprintf(&b, "%d\t%s\n", th.ID, th.Name)
		}
		return mcp.NewToolResultText(b.String()), nil
	}))
}

func (t *tools) registerStackTraceTool(s *server.MCPServer) {
	tool := mcp.NewTool("stack_trace",
		mcp.WithDescription("Get the call stack of a paused thread"),
		sessionParam(),
		mcp.WithNumber("thread_id",
			mcp.Description("Thread to inspect. Defaults to the thread that last stopped"),
		),
		mcp.WithNumber("levels",
			mcp.Description("Maximum number of frames"),
		),
	)

	s.AddTool(tool, t.handle("stack_trace", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := t.resolveSession(request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get debug session: %v", err)), nil
		}
		frames, err := session.StackTrace(ctx, request.GetInt("thread_id", 0), request.GetInt("levels", 0))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get stack trace: %v", err)), nil
		}
		var b strings.Builder
		for i, f := range frames {
			fmt.Fprintf(&b, "#%d [frame %d] %s at %s:%d\n", i, f.ID, f.Name, f.File, f.Line)
		}
		return mcp.NewToolResultText(b.String()), nil
	}))
}

func (t *tools) registerGetVariablesTool(s *server.MCPServer) {
	tool := mcp.NewTool("get_variables",
		mcp.WithDescription("List the variables of a stack frame, or the children of a variable"),
		sessionParam(),
		mcp.WithNumber("frame_id",
			mcp.Description("Stack frame ID from stack_trace. Defaults to the top frame"),
		),
		mcp.WithNumber("variables_reference",
			mcp.Description("Expand a structured variable by its reference instead of listing a frame"),
		),
	)

	s.AddTool(tool, t.handle("get_variables", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := t.resolveSession(request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get debug session: %v", err)), nil
		}

		var b strings.Builder
		if ref := request.GetInt("variables_reference", 0); ref > 0 {
			vars, err := session.Variables(ctx, ref)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Failed to get variables: %v", err)), nil
			}
			for _, v := range vars {
				writeVariable(&b, v.Name, v.Type, v.Value, v.VariablesReference)
			}
			return mcp.NewToolResultText(b.String()), nil
		}

		frameID := request.GetInt("frame_id", 0)
		if frameID == 0 {
			frames, err := session.StackTrace(ctx, 0, 1)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Failed to get stack trace: %v", err)), nil
			}
			if len(frames) == 0 {
				return mcp.NewToolResultError("No stack frames"), nil
			}
			frameID = frames[0].ID
		}

		scopes, err := session.Scopes(ctx, frameID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get scopes: %v", err)), nil
		}
		for _, scope := range scopes {
			if scope.Expensive {
				fmt.Fprintf(&b, "%s: (skipped, expand with variables_reference=%d)\n", scope.Name, scope.VariablesReference)
				continue
			}
			vars, err := session.Variables(ctx, scope.VariablesReference)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("Failed to get variables of %s: %v", scope.Name, err)), nil
			}
			fmt.Fprintf(&b, "%s:\n", scope.Name)
			for _, v := range vars {
				b.WriteString("  ")
				writeVariable(&b, v.Name, v.Type, v.Value, v.VariablesReference)
			}
		}
		return mcp.NewToolResultText(b.String()), nil
	}))
}

func writeVariable(b *strings.Builder, name, typ, value string, ref int) {
	fmt.Fprintf(b, "%s", name)
	if typ != "" {
		fmt.Fprintf(b, " %s", typ)
	}
	fmt.Fprintf(b, " = %s", value)
	if ref > 0 {
		fmt.Fprintf(b, " [ref=%d]", ref)
	}
	b.WriteString("\n")
}

func (t *tools) registerEvaluateTool(s *server.MCPServer) {
	tool := mcp.NewTool("evaluate",
		mcp.WithDescription("Evaluate an expression in a debug session"),
		sessionParam(),
		mcp.WithString("expression",
			mcp.Required(),
			mcp.Description("Expression to evaluate"),
		),
		mcp.WithNumber("frame_id",
			mcp.Description("Stack frame ID. Defaults to the top frame"),
		),
	)

	s.AddTool(tool, t.handle("evaluate", func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		expression := request.GetString("expression", "")
		if expression == "" {
			return mcp.NewToolResultError("expression is required"), nil
		}

		session, err := t.resolveSession(request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get debug session: %v", err)), nil
		}

		result, err := session.Evaluate(ctx, expression, request.GetInt("frame_id", 0))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to evaluate expression: %v", err)), nil
		}

		text := fmt.Sprintf("Expression result: %s", result.Result)
		if result.Type != "" {
			text += fmt.Sprintf(" (%s)", result.Type)
		}
		return mcp.NewToolResultText(text), nil
	}))
}
