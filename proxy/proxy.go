// Package proxy mirrors a remote bridge's tool and resource catalog onto a
// local protocol server so it can be served over stdio.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/xhd2015/debug-bridge-mcp/log"
)

const (
	Name    = "debug-bridge-proxy"
	Version = "1.0.0"

	DefaultCallTimeout = 30 * time.Second
)

// ErrForwardTimeout is returned by a forwarded call that did not complete
// within the call timeout. It is distinct from a remote tool result that
// reports an error.
var ErrForwardTimeout = errors.New("forwarded call timed out")

// Option configures New.
type Option func(*options)

type options struct {
	callTimeout time.Duration
	httpTimeout time.Duration
	logger      log.Logger
}

func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithHTTPTimeout bounds each individual HTTP request made to the remote.
func WithHTTPTimeout(d time.Duration) Option {
	return func(o *options) { o.httpTimeout = d }
}

func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Proxy forwards every call it receives to the remote server it was built from.
type Proxy struct {
	url         string
	remote      *client.Client
	server      *server.MCPServer
	tools       []mcp.Tool
	resources   []mcp.Resource
	callTimeout time.Duration
	logger      log.Logger

	closeOnce sync.Once
	closeErr  error
}

// New connects to serverURL, performs the initialize handshake and
// registers a forwarding handler for every remote tool and resource.
func New(ctx context.Context, serverURL string, opts ...Option) (*Proxy, error) {
	o := options{
		callTimeout: DefaultCallTimeout,
		logger:      log.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	var transportOpts []transport.StreamableHTTPCOption
	transportOpts = append(transportOpts, transport.WithHTTPLogger(o.logger))
	if o.httpTimeout > 0 {
		transportOpts = append(transportOpts, transport.WithHTTPTimeout(o.httpTimeout))
	}
	remote, err := client.NewStreamableHttpClient(serverURL, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", serverURL, err)
	}

	p := &Proxy{
		url:         serverURL,
		remote:      remote,
		callTimeout: o.callTimeout,
		logger:      o.logger,
	}
	if err := p.connect(ctx); err != nil {
		remote.Close()
		return nil, err
	}
	return p, nil
}

func (p *Proxy) connect(ctx context.Context) error {
	if err := p.remote.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: Name, Version: Version}
	initResult, err := p.remote.Initialize(ctx, initRequest)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", p.url, err)
	}
	p.logger.Infow("connected to bridge",
		"url", p.url,
		"server", initResult.ServerInfo.Name,
		"sessionId", p.remote.GetSessionId(),
	)

	caps := p.remote.GetServerCapabilities()
	s := server.NewMCPServer(Name, Version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	if caps.Tools != nil {
		toolsResult, err := p.remote.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return fmt.Errorf("list tools: %w", err)
		}
		for _, tool := range toolsResult.Tools {
			s.AddTool(tool, p.forwardTool(tool.Name))
		}
		p.tools = toolsResult.Tools
	}

	if caps.Resources != nil {
		resourcesResult, err := p.remote.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil {
			return fmt.Errorf("list resources: %w", err)
		}
		for _, resource := range resourcesResult.Resources {
			s.AddResource(resource, p.forwardResource(resource.URI))
		}
		p.resources = resourcesResult.Resources
	}

	p.logger.Infow("mirrored remote catalog", "tools", len(p.tools), "resources", len(p.resources))
	p.server = s
	return nil
}

func (p *Proxy) forwardTool(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		defer cancel()

		forward := mcp.CallToolRequest{}
		forward.Params.Name = name
		forward.Params.Arguments = request.GetArguments()

		result, err := p.remote.CallTool(callCtx, forward)
		if err != nil {
			if p.timedOut(ctx, callCtx) {
				p.logger.Warnw("tool call timed out", "tool", name, "timeout", p.callTimeout)
				return nil, fmt.Errorf("%w: tool %s after %s", ErrForwardTimeout, name, p.callTimeout)
			}
			return nil, fmt.Errorf("forward tool %s: %w", name, err)
		}
		return result, nil
	}
}

func (p *Proxy) forwardResource(uri string) server.ResourceHandlerFunc {
	return func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		defer cancel()

		forward := mcp.ReadResourceRequest{}
		forward.Params.URI = uri
		result, err := p.remote.ReadResource(callCtx, forward)
		if err != nil {
			if p.timedOut(ctx, callCtx) {
				return nil, fmt.Errorf("%w: resource %s after %s", ErrForwardTimeout, uri, p.callTimeout)
			}
			return nil, fmt.Errorf("forward resource %s: %w", uri, err)
		}
		return result.Contents, nil
	}
}

// timedOut reports whether callCtx hit its own deadline rather than being
// cancelled by the caller.
func (p *Proxy) timedOut(parent, callCtx context.Context) bool {
	return errors.Is(callCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil
}

// Server returns the local server holding the mirrored catalog.
func (p *Proxy) Server() *server.MCPServer {
	return p.server
}

func (p *Proxy) Tools() []mcp.Tool {
	return p.tools
}

func (p *Proxy) Resources() []mcp.Resource {
	return p.resources
}

func (p *Proxy) SessionID() string {
	return p.remote.GetSessionId()
}

// Close ends the remote session.
func (p *Proxy) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.remote.Close()
	})
	return p.closeErr
}
