package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/debug-bridge-mcp/session"
	"github.com/xhd2015/debug-bridge-mcp/transport"
)

type remote struct {
	url      string
	sessions *session.Registry
	release  chan struct{}
}

func startRemote(t *testing.T) *remote {
	t.Helper()
	r := &remote{release: make(chan struct{})}

	s := server.NewMCPServer("remote", "1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)
	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("echo text"),
		mcp.WithString("text", mcp.Required(), mcp.Description("text to echo")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := request.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(text), nil
	})
	s.AddTool(mcp.NewTool("fail", mcp.WithDescription("reports an application error")),
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("no debug session"), nil
		})
	s.AddTool(mcp.NewTool("slow", mcp.WithDescription("never answers in time")),
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			select {
			case <-ctx.Done():
			case <-r.release:
			}
			return mcp.NewToolResultText("late"), nil
		})
	s.AddResource(mcp.NewResource("debug://breakpoints", "breakpoints",
		mcp.WithResourceDescription("breakpoints"),
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     `[{"file":"main.go","line":12}]`,
		}}, nil
	})

	r.sessions = session.NewRegistry(nil)
	srv := httptest.NewServer(transport.NewHandler(s, r.sessions))
	t.Cleanup(func() {
		close(r.release)
		srv.Close()
	})
	r.url = srv.URL + "/mcp"
	return r
}

func TestMirrorsRemoteCatalog(t *testing.T) {
	r := startRemote(t)

	p, err := New(context.Background(), r.url)
	require.NoError(t, err)
	defer p.Close()

	var names []string
	for _, tool := range p.Tools() {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"echo", "fail", "slow"}, names)
	require.Len(t, p.Resources(), 1)
	assert.Equal(t, "debug://breakpoints", p.Resources()[0].URI)
	assert.Equal(t, 1, r.sessions.Count())
	assert.NotEmpty(t, p.SessionID())
}

func TestForwardsCallsVerbatim(t *testing.T) {
	r := startRemote(t)
	ctx := context.Background()

	p, err := New(ctx, r.url)
	require.NoError(t, err)
	defer p.Close()

	local, err := client.NewInProcessClient(p.Server())
	require.NoError(t, err)
	defer local.Close()
	require.NoError(t, local.Start(ctx))
	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: "local", Version: "1.0.0"}
	_, err = local.Initialize(ctx, initRequest)
	require.NoError(t, err)

	tools, err := local.ListTools(ctx, mcp.ListToolsRequest{})
	require.NoError(t, err)
	for _, tool := range tools.Tools {
		if tool.Name == "echo" {
			assert.Contains(t, tool.InputSchema.Required, "text")
		}
	}

	call := mcp.CallToolRequest{}
	call.Params.Name = "echo"
	call.Params.Arguments = map[string]any{"text": "hello"}
	result, err := local.CallTool(ctx, call)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Equal(t, "hello", text.Text)

	call.Params.Name = "fail"
	call.Params.Arguments = map[string]any{}
	result, err = local.CallTool(ctx, call)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestForwardTimeout(t *testing.T) {
	r := startRemote(t)

	p, err := New(context.Background(), r.url, WithCallTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	request := mcp.CallToolRequest{}
	request.Params.Name = "slow"
	start := time.Now()
	_, err = p.forwardTool("slow")(context.Background(), request)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrForwardTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCallerCancellationIsNotTimeout(t *testing.T) {
	r := startRemote(t)

	p, err := New(context.Background(), r.url)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	request := mcp.CallToolRequest{}
	_, err = p.forwardTool("slow")(ctx, request)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrForwardTimeout))
}

func TestForwardsResourceRead(t *testing.T) {
	r := startRemote(t)

	p, err := New(context.Background(), r.url)
	require.NoError(t, err)
	defer p.Close()

	request := mcp.ReadResourceRequest{}
	request.Params.URI = "debug://breakpoints"
	contents, err := p.forwardResource("debug://breakpoints")(context.Background(), request)
	require.NoError(t, err)
	require.Len(t, contents, 1)

	data, err := json.Marshal(contents[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `main.go`)
	assert.Contains(t, string(data), `debug://breakpoints`)
}

func TestCloseEndsRemoteSession(t *testing.T) {
	r := startRemote(t)

	p, err := New(context.Background(), r.url)
	require.NoError(t, err)
	require.Equal(t, 1, r.sessions.Count())

	require.NoError(t, p.Close())
	assert.Equal(t, 0, r.sessions.Count())
	assert.NoError(t, p.Close())
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL + "/mcp"
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := New(ctx, url)
	assert.Error(t, err)
}
