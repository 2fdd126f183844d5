package dap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/xhd2015/debug-bridge-mcp/debug/common"
	"github.com/xhd2015/debug-bridge-mcp/log"
)

// ManagerOptions configures NewSessionManager.
type ManagerOptions struct {
	Launcher       Launcher
	Logger         log.Logger
	Stats          tally.Scope
	Clock          clock.PassiveClock
	RequestTimeout time.Duration
	TrafficLogSize int
	ConsoleSize    int
}

// SessionManager manages DAP debug sessions
type SessionManager struct {
	opts ManagerOptions

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
}

// NewSessionManager creates a new DAP session manager
func NewSessionManager(opts ManagerOptions) *SessionManager {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Stats == nil {
		opts.Stats = tally.NoopScope
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.TrafficLogSize == 0 {
		opts.TrafficLogSize = DefaultTrafficLogSize
	}
	if opts.ConsoleSize == 0 {
		opts.ConsoleSize = DefaultConsoleSize
	}
	return &SessionManager{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

func (sm *SessionManager) AdapterType() string {
	return sm.opts.Launcher.Name()
}

// CreateSession creates a new debug session with the given parameters
func (sm *SessionManager) CreateSession(ctx context.Context, config common.LaunchConfig) (*common.SessionInfo, error) {
	if config.Program == "" {
		return nil, fmt.Errorf("program is required")
	}

	adapter, err := sm.opts.Launcher.Launch(ctx)
	if err != nil {
		return nil, err
	}

	sessionID := fmt.Sprintf("session-%d", uuid.New().ID())
	session := newSession(common.SessionInfo{
		ID:          sessionID,
		ProgramPath: config.Program,
		Mode:        config.Mode,
		Adapter:     sm.opts.Launcher.Name(),
		StartedAt:   sm.opts.Clock.Now(),
	}, sm.opts.Clock, sm.opts.Logger, sm.opts.ConsoleSize)
	session.adapter = adapter
	session.client = NewClient(adapter.Conn,
		WithEventHandler(session.handleEvent),
		WithRequestTimeout(sm.opts.RequestTimeout),
		WithTrafficLog(NewRing[common.TrafficEntry](sm.opts.TrafficLogSize)),
		WithClientClock(sm.opts.Clock),
		WithClientLogger(sm.opts.Logger),
	)

	if err := session.launch(ctx, config); err != nil {
		if termErr := session.Terminate(context.Background()); termErr != nil {
			sm.opts.Logger.Warnw("cleanup after failed launch", "session", sessionID, "error", termErr)
		}
		return nil, err
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = session
	sm.order = append(sm.order, sessionID)
	sm.updateGauge()
	sm.mu.Unlock()

	sm.opts.Logger.Infow("debug session started",
		"session", sessionID,
		"program", config.Program,
		"mode", config.Mode,
		"adapter", adapter.Address,
	)
	return session.Info(), nil
}

// TerminateSession terminates a debug session
func (sm *SessionManager) TerminateSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	session, ok := sm.sessions[sessionID]
	if ok {
		delete(sm.sessions, sessionID)
		sm.order = removeID(sm.order, sessionID)
		sm.updateGauge()
	}
	sm.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", common.ErrSessionNotFound, sessionID)
	}
	return session.Terminate(ctx)
}

// ListSessions returns a list of debug sessions
func (sm *SessionManager) ListSessions() []*common.SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	result := make([]*common.SessionInfo, 0, len(sm.order))
	for _, id := range sm.order {
		result = append(result, sm.sessions[id].Info())
	}
	return result
}

// GetSession returns a debug session by ID
func (sm *SessionManager) GetSession(sessionID string) (common.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	session, ok := sm.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrSessionNotFound, sessionID)
	}
	return session, nil
}

func (sm *SessionManager) ActiveSession() (common.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for i := len(sm.order) - 1; i >= 0; i-- {
		session := sm.sessions[sm.order[i]]
		if session.State() != common.StateTerminated {
			return session, nil
		}
	}
	return nil, common.ErrNoActiveSession
}

// Close terminates every session.
func (sm *SessionManager) Close(ctx context.Context) error {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.order))
	for _, id := range sm.order {
		sessions = append(sessions, sm.sessions[id])
	}
	sm.sessions = make(map[string]*Session)
	sm.order = nil
	sm.updateGauge()
	sm.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.Terminate(ctx))
	}
	return err
}

func (sm *SessionManager) updateGauge() {
	sm.opts.Stats.Gauge("debug_sessions").Update(float64(len(sm.sessions)))
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

var _ common.SessionManager = (*SessionManager)(nil)
