// Package bridge runs the debug bridge: the HTTP protocol endpoint, its
// heartbeat file and its entry in the machine-wide instance registry.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/uber-go/tally"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/xhd2015/debug-bridge-mcp/debug"
	"github.com/xhd2015/debug-bridge-mcp/debug/common"
	"github.com/xhd2015/debug-bridge-mcp/log"
	"github.com/xhd2015/debug-bridge-mcp/port"
	"github.com/xhd2015/debug-bridge-mcp/registry"
	"github.com/xhd2015/debug-bridge-mcp/resources"
	"github.com/xhd2015/debug-bridge-mcp/session"
	debugtools "github.com/xhd2015/debug-bridge-mcp/tools/debug"
	"github.com/xhd2015/debug-bridge-mcp/tools/instance"
	"github.com/xhd2015/debug-bridge-mcp/transport"
	"github.com/xhd2015/debug-bridge-mcp/workspace"
)

const (
	Name    = "debug-bridge"
	Version = "0.1.0"

	// Path is where the protocol endpoint is mounted.
	Path = "/mcp"

	DefaultHost = "127.0.0.1"
)

// ErrAlreadyRunning is returned by Start on a running server.
var ErrAlreadyRunning = errors.New("bridge server already running")

type Config struct {
	// Workspace is the directory this bridge serves. Required.
	Workspace     string
	WorkspaceName string

	Host string
	// Port is the preferred port; the next free one is used when taken.
	Port            int
	MaxPortAttempts int

	HeartbeatInterval     time.Duration
	RegistrySweepInterval time.Duration
	// RegistryPath overrides the shared registry file location.
	RegistryPath string

	Debug debug.Options

	Logger log.Logger
	Stats  tally.Scope
	Clock  clock.WithTicker
}

// Server is the running state of one bridge. Start and Stop may be called
// repeatedly; Stop returns the server to its pre-start state.
type Server struct {
	cfg       Config
	logger    log.Logger
	mcpServer *server.MCPServer
	sessions  *session.Registry
	handler   *transport.Handler
	debugger  common.SessionManager
	registry  *registry.Registry

	// instanceID is read by the heartbeat goroutine.
	instanceID atomic.Value

	// lifecycle serializes Start and Stop; mu guards the fields below and is
	// never held across blocking teardown, so tools can read Info meanwhile.
	lifecycle  sync.Mutex
	mu         sync.Mutex
	running    bool
	port       int
	startedAt  time.Time
	httpServer *http.Server
	heartbeat  *workspace.Heartbeat
	group      *errgroup.Group
	cancel     context.CancelFunc
}

// New builds a stopped server with its tool catalog registered.
func New(cfg Config) (*Server, error) {
	if cfg.Workspace == "" {
		return nil, fmt.Errorf("workspace is required")
	}
	ws, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	cfg.Workspace = ws
	if cfg.WorkspaceName == "" {
		cfg.WorkspaceName = filepath.Base(ws)
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = port.DefaultPort
	}
	if cfg.MaxPortAttempts == 0 {
		cfg.MaxPortAttempts = port.DefaultMaxAttempts
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = workspace.DefaultInterval
	}
	if cfg.RegistrySweepInterval == 0 {
		cfg.RegistrySweepInterval = registry.DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if cfg.Stats == nil {
		cfg.Stats = tally.NoopScope
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: session.NewRegistry(cfg.Stats),
	}
	s.instanceID.Store("")

	regOpts := []registry.Option{
		registry.WithClock(cfg.Clock),
		registry.WithSweepInterval(cfg.RegistrySweepInterval),
		registry.WithLogger(cfg.Logger),
	}
	if cfg.RegistryPath != "" {
		regOpts = append(regOpts, registry.WithPath(cfg.RegistryPath))
	}
	s.registry, err = registry.New(regOpts...)
	if err != nil {
		return nil, err
	}

	debugOpts := cfg.Debug
	if debugOpts.Logger == nil {
		debugOpts.Logger = cfg.Logger
	}
	if debugOpts.Stats == nil {
		debugOpts.Stats = cfg.Stats
	}
	s.debugger, err = debug.NewSessionManager(debugOpts)
	if err != nil {
		return nil, err
	}

	s.mcpServer = server.NewMCPServer(Name, Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
	)
	if err := debugtools.RegisterTools(s.mcpServer, s.debugger, debugtools.ToolOptions{Logger: cfg.Logger}); err != nil {
		return nil, err
	}
	if err := instance.RegisterTools(s.mcpServer, instance.ToolOptions{
		Registry: s.registry,
		Status:   s.status,
		Logger:   cfg.Logger,
	}); err != nil {
		return nil, err
	}
	if err := resources.Register(s.mcpServer, s.debugger); err != nil {
		return nil, err
	}

	s.handler = transport.NewHandler(s.mcpServer, s.sessions,
		transport.WithLogger(cfg.Logger),
		transport.WithStats(cfg.Stats),
	)
	return s, nil
}

// MCPServer returns the protocol server shared by every session.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the registry of live protocol sessions.
func (s *Server) Sessions() *session.Registry {
	return s.sessions
}

// Registry returns the machine-wide instance registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Start binds a port, writes the heartbeat file, registers the instance and
// serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.Info().Running {
		return ErrAlreadyRunning
	}

	p, err := port.FindAvailablePort(s.cfg.Port, s.cfg.MaxPortAttempts)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(p)))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", p, err)
	}
	if p != s.cfg.Port {
		s.logger.Warnw("preferred port in use", "preferred", s.cfg.Port, "port", p)
	}

	mux := http.NewServeMux()
	mux.Handle(Path, s.handler)
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	heartbeat := workspace.New(s.cfg.Workspace,
		workspace.WithInterval(s.cfg.HeartbeatInterval),
		workspace.WithClock(s.cfg.Clock),
		workspace.WithLogger(s.logger),
		workspace.WithWorkspaceName(s.cfg.WorkspaceName),
		workspace.WithBeatHook(s.beat),
	)
	hbConfig, err := heartbeat.Initialize(p)
	if err != nil {
		ln.Close()
		return err
	}
	s.instanceID.Store(hbConfig.InstanceID)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.registry.Initialize(runCtx); err != nil {
		s.logger.Warnw("instance registry unavailable", "path", s.registry.Path(), "error", err)
	} else if err := s.registry.RegisterInstance(registry.EntryFromConfig(hbConfig, heartbeat.Path())); err != nil {
		s.logger.Warnw("failed to register instance", "path", s.registry.Path(), "error", err)
	}

	group, _ := errgroup.WithContext(runCtx)
	group.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	s.mu.Lock()
	s.running = true
	s.port = p
	s.startedAt = s.cfg.Clock.Now()
	s.httpServer = httpServer
	s.heartbeat = heartbeat
	s.group = group
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Infow("bridge server started",
		"url", URL(p),
		"workspace", s.cfg.Workspace,
		"instanceId", hbConfig.InstanceID,
	)
	return nil
}

// beat keeps the registry entry as fresh as the heartbeat file.
func (s *Server) beat() {
	id, _ := s.instanceID.Load().(string)
	if id == "" {
		return
	}
	if err := s.registry.UpdateHeartbeat(id); err != nil {
		s.logger.Warnw("registry heartbeat failed", "instanceId", id, "error", err)
	}
}

// Stop shuts the server down gracefully and returns it to its pre-start
// state. Every step runs even when an earlier one fails.
func (s *Server) Stop(ctx context.Context) error {
	return s.teardown(ctx, true)
}

// Reset releases everything a running server holds without waiting for
// in-flight requests, and returns it to its pre-start state. It is a no-op
// on a stopped server.
func (s *Server) Reset() error {
	return s.teardown(context.Background(), false)
}

func (s *Server) teardown(ctx context.Context, graceful bool) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	running, p := s.running, s.port
	httpServer, heartbeat, group := s.httpServer, s.heartbeat, s.group
	s.mu.Unlock()
	if !running {
		return nil
	}

	var err error
	// Open event streams would hold Shutdown until ctx expires.
	err = multierr.Append(err, s.sessions.CloseAll())
	if graceful {
		err = multierr.Append(err, httpServer.Shutdown(ctx))
	} else {
		err = multierr.Append(err, httpServer.Close())
	}
	err = multierr.Append(err, group.Wait())

	if id, _ := s.instanceID.Load().(string); id != "" {
		err = multierr.Append(err, s.registry.UnregisterInstance(id))
	}
	s.registry.Close()
	err = multierr.Append(err, heartbeat.Cleanup())
	err = multierr.Append(err, s.debugger.Close(ctx))

	s.logger.Infow("bridge server stopped", "port", p, "graceful", graceful, "error", err)
	s.clear()
	return err
}

func (s *Server) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.running = false
	s.port = 0
	s.startedAt = time.Time{}
	s.httpServer = nil
	s.heartbeat = nil
	s.group = nil
	s.cancel = nil
	s.instanceID.Store("")
}

// Info is a snapshot of the server state.
type Info struct {
	Running       bool
	Port          int
	PreferredPort int
	InstanceID    string
	URL           string
	Uptime        time.Duration
	SessionCount  int
	WorkspacePath string
	WorkspaceName string
}

func (s *Server) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		Running:       s.running,
		Port:          s.port,
		PreferredPort: s.cfg.Port,
		SessionCount:  s.sessions.Count(),
		WorkspacePath: s.cfg.Workspace,
		WorkspaceName: s.cfg.WorkspaceName,
	}
	info.InstanceID, _ = s.instanceID.Load().(string)
	if s.running {
		info.URL = URL(s.port)
		info.Uptime = s.cfg.Clock.Since(s.startedAt)
	}
	return info
}

func (s *Server) status() instance.Status {
	info := s.Info()
	return instance.Status{
		WorkspaceName: info.WorkspaceName,
		WorkspacePath: info.WorkspacePath,
		Running:       info.Running,
		Port:          info.Port,
		SessionCount:  info.SessionCount,
		Uptime:        info.Uptime,
	}
}

// URL is the protocol endpoint of a bridge listening on p.
func URL(p int) string {
	return instance.ConnectionURL(p)
}
