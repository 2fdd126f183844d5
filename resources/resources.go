// Package resources publishes read-only views of the active debug session.
package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/xhd2015/debug-bridge-mcp/debug/common"
)

const (
	DAPLogURI        = "debug://dap-log"
	BreakpointsURI   = "debug://breakpoints"
	ActiveSessionURI = "debug://active-session"
	DebugConsoleURI  = "debug://debug-console"

	mimeJSON = "application/json"
)

// noSession is served when no debug session is running.
var noSession = map[string]string{"message": "No active debug session"}

type ActiveSession struct {
	*common.SessionInfo
	LastStop *common.StopInfo `json:"lastStop,omitempty"`
}

type view func(session common.Session) interface{}

// Register adds the debug resources to s.
func Register(s *server.MCPServer, sessionManager common.SessionManager) error {
	if sessionManager == nil {
		return fmt.Errorf("session manager is required")
	}

	add := func(uri, name, description string, v view) {
		s.AddResource(
			mcp.NewResource(uri, name,
				mcp.WithResourceDescription(description),
				mcp.WithMIMEType(mimeJSON),
			),
			handler(sessionManager, v),
		)
	}

	add(DAPLogURI, "dap-log", "Recent Debug Adapter Protocol messages of the active session",
		func(session common.Session) interface{} {
			return nonNil(session.TrafficLog())
		})
	add(BreakpointsURI, "breakpoints", "Breakpoints of the active session",
		func(session common.Session) interface{} {
			return nonNil(session.Breakpoints())
		})
	add(ActiveSessionURI, "active-session", "The active debug session and why it last stopped",
		func(session common.Session) interface{} {
			return ActiveSession{SessionInfo: session.Info(), LastStop: session.LastStop()}
		})
	add(DebugConsoleURI, "debug-console", "Recent output of the debugged program",
		func(session common.Session) interface{} {
			return nonNil(session.Console())
		})
	return nil
}

func handler(sessionManager common.SessionManager, v view) server.ResourceHandlerFunc {
	return func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		var payload interface{} = noSession
		session, err := sessionManager.ActiveSession()
		switch {
		case err == nil:
			payload = v(session)
		case !errors.Is(err, common.ErrNoActiveSession):
			return nil, err
		}

		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", request.Params.URI, err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      request.Params.URI,
				MIMEType: mimeJSON,
				Text:     string(data),
			},
		}, nil
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
