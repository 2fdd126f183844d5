package common

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a debug session id does not resolve.
	ErrSessionNotFound = errors.New("debug session not found")
	// ErrNoActiveSession is returned when no session id is given and none is running.
	ErrNoActiveSession = errors.New("no active debug session")
	// ErrNotPaused is returned by operations that need a stopped program.
	ErrNotPaused = errors.New("program is not paused")
	// ErrTerminated is returned once the debuggee has exited.
	ErrTerminated = errors.New("debug session terminated")
)

// State is the execution state of a debuggee.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateTerminated   State = "terminated"
)

// SessionManager is the interface for managing debug sessions
type SessionManager interface {
	// AdapterType returns the kind of debug adapter sessions are started with.
	AdapterType() string

	// CreateSession launches a program under the adapter and returns once it
	// is configured.
	CreateSession(ctx context.Context, config LaunchConfig) (*SessionInfo, error)

	// TerminateSession terminates a debug session
	TerminateSession(ctx context.Context, sessionID string) error

	// ListSessions returns a list of debug sessions, oldest first
	ListSessions() []*SessionInfo

	// GetSession returns a debug session by ID
	GetSession(sessionID string) (Session, error)

	// ActiveSession returns the most recently started session that has not
	// terminated.
	ActiveSession() (Session, error)

	// Close terminates every session.
	Close(ctx context.Context) error
}

// Session is the interface for a debug session
type Session interface {
	Info() *SessionInfo
	State() State
	LastStop() *StopInfo

	SetBreakpoint(ctx context.Context, file string, line int, condition string) (*Breakpoint, error)
	RemoveBreakpoint(ctx context.Context, file string, line int) error
	// ClearBreakpoints removes the breakpoints of file, or of every file when file is empty.
	ClearBreakpoints(ctx context.Context, file string) error
	Breakpoints() []Breakpoint

	Continue(ctx context.Context, threadID int) error
	Next(ctx context.Context, threadID int) error
	StepIn(ctx context.Context, threadID int) error
	StepOut(ctx context.Context, threadID int) error
	Pause(ctx context.Context, threadID int) error

	Threads(ctx context.Context) ([]Thread, error)
	StackTrace(ctx context.Context, threadID int, levels int) ([]StackFrame, error)
	Scopes(ctx context.Context, frameID int) ([]Scope, error)
	Variables(ctx context.Context, variablesReference int) ([]Variable, error)
	Evaluate(ctx context.Context, expression string, frameID int) (*EvalResult, error)

	// TrafficLog returns the recent adapter protocol messages, oldest first.
	TrafficLog() []TrafficEntry
	// Console returns the recent program output, oldest first.
	Console() []ConsoleLine

	Terminate(ctx context.Context) error
}

// LaunchConfig describes the program to debug.
type LaunchConfig struct {
	Program string   `json:"program"`
	Args    []string `json:"args,omitempty"`
	// Mode is one of debug, test or exec.
	Mode        string `json:"mode"`
	Cwd         string `json:"cwd,omitempty"`
	StopOnEntry bool   `json:"stopOnEntry"`
}

// SessionInfo holds information about a debug session
type SessionInfo struct {
	ID          string    `json:"id"`
	ProgramPath string    `json:"program"`
	Mode        string    `json:"mode"`
	State       State     `json:"state"`
	Adapter     string    `json:"adapter"`
	StartedAt   time.Time `json:"startedAt"`
}

type Breakpoint struct {
	ID        int    `json:"id"`
	File      string `json:"file"`
	Line      int    `json:"line"`
	Condition string `json:"condition,omitempty"`
	Verified  bool   `json:"verified"`
	Message   string `json:"message,omitempty"`
}

// StopInfo describes why the debuggee last stopped.
type StopInfo struct {
	Reason      string    `json:"reason"`
	Description string    `json:"description,omitempty"`
	ThreadID    int       `json:"threadId"`
	At          time.Time `json:"at"`
}

type Thread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type StackFrame struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

type Scope struct {
	Name               string `json:"name"`
	VariablesReference int    `json:"variablesReference"`
	Expensive          bool   `json:"expensive,omitempty"`
}

type Variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
	// VariablesReference is non-zero when the variable has children.
	VariablesReference int `json:"variablesReference,omitempty"`
}

type EvalResult struct {
	Result             string `json:"result"`
	Type               string `json:"type,omitempty"`
	VariablesReference int    `json:"variablesReference,omitempty"`
}

// TrafficEntry is one adapter protocol message as seen by the client.
type TrafficEntry struct {
	Time time.Time `json:"time"`
	// Direction is "send" or "receive".
	Direction string          `json:"direction"`
	Message   json.RawMessage `json:"message"`
}

type ConsoleLine struct {
	Time     time.Time `json:"time"`
	Category string    `json:"category"`
	Output   string    `json:"output"`
}
