package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/go-dap"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/xhd2015/debug-bridge-mcp/debug/common"
	"github.com/xhd2015/debug-bridge-mcp/log"
)

const (
	DefaultConsoleSize     = 500
	defaultStackLevels     = 20
	disconnectTimeout      = 2 * time.Second
	initializedEventWindow = 5 * time.Second
)

// evaluateContexts are tried in order until the adapter accepts one.
var evaluateContexts = []string{"watch", "repl"}

// Session represents a DAP debug session
type Session struct {
	info    common.SessionInfo
	client  *Client
	adapter *Adapter
	clock   clock.PassiveClock
	logger  log.Logger

	mu          sync.Mutex
	state       common.State
	lastStop    *common.StopInfo
	breakpoints map[string][]common.Breakpoint
	console     *Ring[common.ConsoleLine]

	// bpMu serializes setBreakpoints round trips, which replace the whole
	// breakpoint list of a file.
	bpMu sync.Mutex

	initialized     chan struct{}
	initializedOnce sync.Once
}

func newSession(info common.SessionInfo, clk clock.PassiveClock, logger log.Logger, consoleSize int) *Session {
	return &Session{
		info:        info,
		clock:       clk,
		logger:      logger,
		state:       common.StateInitializing,
		breakpoints: make(map[string][]common.Breakpoint),
		console:     NewRing[common.ConsoleLine](consoleSize),
		initialized: make(chan struct{}),
	}
}

func (s *Session) handleEvent(msg dap.EventMessage) {
	switch e := msg.(type) {
	case *dap.InitializedEvent:
		s.initializedOnce.Do(func() { close(s.initialized) })
	case *dap.StoppedEvent:
		s.mu.Lock()
		if s.state != common.StateTerminated {
			s.state = common.StatePaused
		}
		s.lastStop = &common.StopInfo{
			Reason:      e.Body.Reason,
			Description: e.Body.Description,
			ThreadID:    e.Body.ThreadId,
			At:          s.clock.Now(),
		}
		s.mu.Unlock()
		s.logger.Infow("debuggee stopped", "session", s.info.ID, "reason", e.Body.Reason, "thread", e.Body.ThreadId)
	case *dap.ContinuedEvent:
		s.setState(common.StateRunning)
	case *dap.OutputEvent:
		s.console.Add(common.ConsoleLine{
			Time:     s.clock.Now(),
			Category: e.Body.Category,
			Output:   e.Body.Output,
		})
	case *dap.TerminatedEvent, *dap.ExitedEvent:
		s.setState(common.StateTerminated)
		s.logger.Infow("debuggee terminated", "session", s.info.ID)
	}
}

func (s *Session) setState(state common.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == common.StateTerminated {
		return
	}
	s.state = state
}

// launch runs the initialize, launch, configurationDone handshake.
func (s *Session) launch(ctx context.Context, config common.LaunchConfig) error {
	initReq := &dap.InitializeRequest{
		Request: newRequest("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:               "debug-bridge",
			ClientName:             "Debug Bridge MCP",
			AdapterID:              "go",
			PathFormat:             "path",
			LinesStartAt1:          true,
			ColumnsStartAt1:        true,
			SupportsVariableType:   true,
			SupportsVariablePaging: true,
		},
	}
	if _, err := s.client.Call(ctx, initReq); err != nil {
		return fmt.Errorf("failed to initialize debug adapter: %w", err)
	}

	launchArgs := map[string]interface{}{
		"mode":                 config.Mode,
		"program":              config.Program,
		"args":                 config.Args,
		"stopOnEntry":          config.StopOnEntry,
		"hideSystemGoroutines": true,
		"stackTraceDepth":      50,
	}
	if config.Cwd != "" {
		launchArgs["cwd"] = config.Cwd
	}
	argsJSON, err := json.Marshal(launchArgs)
	if err != nil {
		return fmt.Errorf("failed to marshal launch arguments: %w", err)
	}
	launchReq := &dap.LaunchRequest{
		Request:   newRequest("launch"),
		Arguments: json.RawMessage(argsJSON),
	}
	if _, err := s.client.Call(ctx, launchReq); err != nil {
		return fmt.Errorf("failed to launch program: %w", err)
	}

	select {
	case <-s.initialized:
	case <-time.After(initializedEventWindow):
		s.logger.Warnw("no initialized event from adapter, configuring anyway", "session", s.info.ID)
	case <-s.client.Done():
		return fmt.Errorf("adapter closed during launch: %w", s.client.err())
	case <-ctx.Done():
		return ctx.Err()
	}

	doneReq := &dap.ConfigurationDoneRequest{Request: newRequest("configurationDone")}
	if _, err := s.client.Call(ctx, doneReq); err != nil {
		return fmt.Errorf("configuration done: %w", err)
	}

	s.mu.Lock()
	if s.state == common.StateInitializing {
		s.state = common.StateRunning
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) Info() *common.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.State = s.state
	return &info
}

func (s *Session) State() common.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastStop() *common.StopInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastStop == nil {
		return nil
	}
	stop := *s.lastStop
	return &stop
}

func (s *Session) TrafficLog() []common.TrafficEntry {
	return s.client.TrafficLog()
}

func (s *Session) Console() []common.ConsoleLine {
	return s.console.Items()
}

// SetBreakpoint adds or replaces the breakpoint at file:line.
func (s *Session) SetBreakpoint(ctx context.Context, file string, line int, condition string) (*common.Breakpoint, error) {
	if file == "" || line < 1 {
		return nil, fmt.Errorf("invalid breakpoint location %s:%d", file, line)
	}
	if err := s.checkAlive(); err != nil {
		return nil, err
	}

	s.bpMu.Lock()
	defer s.bpMu.Unlock()

	wanted := s.fileBreakpoints(file)
	idx := -1
	for i, bp := range wanted {
		if bp.Line == line {
			idx = i
			break
		}
	}
	bp := common.Breakpoint{File: file, Line: line, Condition: condition}
	if idx >= 0 {
		wanted[idx] = bp
	} else {
		wanted = append(wanted, bp)
		idx = len(wanted) - 1
	}

	updated, err := s.syncBreakpoints(ctx, file, wanted)
	if err != nil {
		return nil, err
	}
	result := updated[idx]
	return &result, nil
}

func (s *Session) RemoveBreakpoint(ctx context.Context, file string, line int) error {
	if err := s.checkAlive(); err != nil {
		return err
	}

	s.bpMu.Lock()
	defer s.bpMu.Unlock()

	current := s.fileBreakpoints(file)
	wanted := current[:0]
	for _, bp := range current {
		if bp.Line != line {
			wanted = append(wanted, bp)
		}
	}
	if len(wanted) == len(current) {
		return fmt.Errorf("no breakpoint at %s:%d", file, line)
	}
	_, err := s.syncBreakpoints(ctx, file, wanted)
	return err
}

func (s *Session) ClearBreakpoints(ctx context.Context, file string) error {
	if err := s.checkAlive(); err != nil {
		return err
	}

	s.bpMu.Lock()
	defer s.bpMu.Unlock()

	var files []string
	if file != "" {
		files = []string{file}
	} else {
		s.mu.Lock()
		for f := range s.breakpoints {
			files = append(files, f)
		}
		s.mu.Unlock()
		sort.Strings(files)
	}

	var err error
	for _, f := range files {
		if _, syncErr := s.syncBreakpoints(ctx, f, nil); syncErr != nil {
			err = multierr.Append(err, syncErr)
		}
	}
	return err
}

// Breakpoints returns every breakpoint ordered by file and line.
func (s *Session) Breakpoints() []common.Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []common.Breakpoint
	for _, bps := range s.breakpoints {
		all = append(all, bps...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].File != all[j].File {
			return all[i].File < all[j].File
		}
		return all[i].Line < all[j].Line
	})
	return all
}

func (s *Session) fileBreakpoints(file string) []common.Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.breakpoints[file]
	out := make([]common.Breakpoint, len(current))
	copy(out, current)
	return out
}

// syncBreakpoints sends the full breakpoint list for file and stores what the
// adapter reports back.
func (s *Session) syncBreakpoints(ctx context.Context, file string, wanted []common.Breakpoint) ([]common.Breakpoint, error) {
	sourceBreakpoints := make([]dap.SourceBreakpoint, 0, len(wanted))
	lines := make([]int, 0, len(wanted))
	for _, bp := range wanted {
		sourceBreakpoints = append(sourceBreakpoints, dap.SourceBreakpoint{Line: bp.Line, Condition: bp.Condition})
		lines = append(lines, bp.Line)
	}

	request := &dap.SetBreakpointsRequest{
		Request: newRequest("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source: dap.Source{
				Name: filepath.Base(file),
				Path: file,
			},
			Breakpoints: sourceBreakpoints,
			Lines:       lines,
		},
	}
	resp, err := s.client.Call(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to set breakpoints in %s: %w", file, err)
	}
	bpResp, ok := resp.(*dap.SetBreakpointsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}

	for i, reported := range bpResp.Body.Breakpoints {
		if i >= len(wanted) {
			break
		}
		wanted[i].ID = reported.Id
		wanted[i].Verified = reported.Verified
		wanted[i].Message = reported.Message
	}

	s.mu.Lock()
	if len(wanted) == 0 {
		delete(s.breakpoints, file)
	} else {
		s.breakpoints[file] = wanted
	}
	s.mu.Unlock()
	return wanted, nil
}

// Continue continues execution until the next breakpoint
func (s *Session) Continue(ctx context.Context, threadID int) error {
	thread, err := s.resume()
	if err != nil {
		return err
	}
	if threadID == 0 {
		threadID = thread
	}
	request := &dap.ContinueRequest{
		Request:   newRequest("continue"),
		Arguments: dap.ContinueArguments{ThreadId: threadID},
	}
	return s.resumeCall(ctx, request)
}

// Next steps over the current line
func (s *Session) Next(ctx context.Context, threadID int) error {
	thread, err := s.resume()
	if err != nil {
		return err
	}
	if threadID == 0 {
		threadID = thread
	}
	request := &dap.NextRequest{
		Request:   newRequest("next"),
		Arguments: dap.NextArguments{ThreadId: threadID},
	}
	return s.resumeCall(ctx, request)
}

// StepIn steps into the current function call
func (s *Session) StepIn(ctx context.Context, threadID int) error {
	thread, err := s.resume()
	if err != nil {
		return err
	}
	if threadID == 0 {
		threadID = thread
	}
	request := &dap.StepInRequest{
		Request:   newRequest("stepIn"),
		Arguments: dap.StepInArguments{ThreadId: threadID},
	}
	return s.resumeCall(ctx, request)
}

// StepOut steps out of the current function
func (s *Session) StepOut(ctx context.Context, threadID int) error {
	thread, err := s.resume()
	if err != nil {
		return err
	}
	if threadID == 0 {
		threadID = thread
	}
	request := &dap.StepOutRequest{
		Request:   newRequest("stepOut"),
		Arguments: dap.StepOutArguments{ThreadId: threadID},
	}
	return s.resumeCall(ctx, request)
}

func (s *Session) Pause(ctx context.Context, threadID int) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case common.StateTerminated:
		return common.ErrTerminated
	case common.StatePaused:
		return errors.New("program is already paused")
	}
	if threadID == 0 {
		threadID = 1
	}
	request := &dap.PauseRequest{
		Request:   newRequest("pause"),
		Arguments: dap.PauseArguments{ThreadId: threadID},
	}
	if _, err := s.client.Call(ctx, request); err != nil {
		return fmt.Errorf("failed to pause: %w", err)
	}
	return nil
}

// resume marks a paused session running and returns the thread it last
// stopped on. The state flips before the request is sent so a stopped event
// racing the response is not overwritten.
func (s *Session) resume() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case common.StateTerminated:
		return 0, common.ErrTerminated
	case common.StatePaused:
	default:
		return 0, common.ErrNotPaused
	}
	s.state = common.StateRunning
	thread := 1
	if s.lastStop != nil && s.lastStop.ThreadID != 0 {
		thread = s.lastStop.ThreadID
	}
	return thread, nil
}

func (s *Session) resumeCall(ctx context.Context, request dap.RequestMessage) error {
	if _, err := s.client.Call(ctx, request); err != nil {
		s.mu.Lock()
		if s.state == common.StateRunning {
			s.state = common.StatePaused
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to %s: %w", request.GetRequest().Command, err)
	}
	return nil
}

func (s *Session) Threads(ctx context.Context) ([]common.Thread, error) {
	if err := s.checkAlive(); err != nil {
		return nil, err
	}
	resp, err := s.client.Call(ctx, &dap.ThreadsRequest{Request: newRequest("threads")})
	if err != nil {
		return nil, err
	}
	threadsResp, ok := resp.(*dap.ThreadsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	threads := make([]common.Thread, 0, len(threadsResp.Body.Threads))
	for _, t := range threadsResp.Body.Threads {
		threads = append(threads, common.Thread{ID: t.Id, Name: t.Name})
	}
	return threads, nil
}

func (s *Session) StackTrace(ctx context.Context, threadID int, levels int) ([]common.StackFrame, error) {
	if err := s.checkPaused(); err != nil {
		return nil, err
	}
	if threadID == 0 {
		threadID = s.stoppedThread()
	}
	if levels <= 0 {
		levels = defaultStackLevels
	}
	request := &dap.StackTraceRequest{
		Request: newRequest("stackTrace"),
		Arguments: dap.StackTraceArguments{
			ThreadId: threadID,
			Levels:   levels,
		},
	}
	resp, err := s.client.Call(ctx, request)
	if err != nil {
		return nil, err
	}
	stackResp, ok := resp.(*dap.StackTraceResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}

	// The source field changed shape across protocol versions; decode it
	// from JSON rather than depend on the Go type.
	var body struct {
		StackFrames []struct {
			ID     int    `json:"id"`
			Name   string `json:"name"`
			Line   int    `json:"line"`
			Column int    `json:"column"`
			Source *struct {
				Path string `json:"path"`
			} `json:"source"`
		} `json:"stackFrames"`
	}
	data, err := json.Marshal(stackResp.Body)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode stack frames: %w", err)
	}

	frames := make([]common.StackFrame, 0, len(body.StackFrames))
	for _, f := range body.StackFrames {
		frame := common.StackFrame{ID: f.ID, Name: f.Name, Line: f.Line, Column: f.Column}
		if f.Source != nil {
			frame.File = f.Source.Path
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (s *Session) Scopes(ctx context.Context, frameID int) ([]common.Scope, error) {
	if err := s.checkPaused(); err != nil {
		return nil, err
	}
	request := &dap.ScopesRequest{
		Request:   newRequest("scopes"),
		Arguments: dap.ScopesArguments{FrameId: frameID},
	}
	resp, err := s.client.Call(ctx, request)
	if err != nil {
		return nil, err
	}
	scopesResp, ok := resp.(*dap.ScopesResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	scopes := make([]common.Scope, 0, len(scopesResp.Body.Scopes))
	for _, sc := range scopesResp.Body.Scopes {
		scopes = append(scopes, common.Scope{
			Name:               sc.Name,
			VariablesReference: sc.VariablesReference,
			Expensive:          sc.Expensive,
		})
	}
	return scopes, nil
}

func (s *Session) Variables(ctx context.Context, variablesReference int) ([]common.Variable, error) {
	if err := s.checkPaused(); err != nil {
		return nil, err
	}
	request := &dap.VariablesRequest{
		Request:   newRequest("variables"),
		Arguments: dap.VariablesArguments{VariablesReference: variablesReference},
	}
	resp, err := s.client.Call(ctx, request)
	if err != nil {
		return nil, err
	}
	varsResp, ok := resp.(*dap.VariablesResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	vars := make([]common.Variable, 0, len(varsResp.Body.Variables))
	for _, v := range varsResp.Body.Variables {
		vars = append(vars, common.Variable{
			Name:               v.Name,
			Value:              v.Value,
			Type:               v.Type,
			VariablesReference: v.VariablesReference,
		})
	}
	return vars, nil
}

// Evaluate evaluates expression in frameID, or in the top frame of the
// stopped thread when frameID is 0.
func (s *Session) Evaluate(ctx context.Context, expression string, frameID int) (*common.EvalResult, error) {
	if err := s.checkPaused(); err != nil {
		return nil, err
	}
	if frameID == 0 {
		frames, err := s.StackTrace(ctx, 0, 1)
		if err == nil && len(frames) > 0 {
			frameID = frames[0].ID
		}
	}

	var lastErr error
	for _, evalContext := range evaluateContexts {
		request := &dap.EvaluateRequest{
			Request: newRequest("evaluate"),
			Arguments: dap.EvaluateArguments{
				Expression: expression,
				FrameId:    frameID,
				Context:    evalContext,
			},
		}
		resp, err := s.client.Call(ctx, request)
		if err != nil {
			var respErr *ResponseError
			if !errors.As(err, &respErr) {
				return nil, err
			}
			s.logger.Debugw("evaluate rejected", "context", evalContext, "expression", expression, "error", err)
			lastErr = err
			continue
		}
		evalResp, ok := resp.(*dap.EvaluateResponse)
		if !ok {
			return nil, fmt.Errorf("unexpected response type: %T", resp)
		}
		return &common.EvalResult{
			Result:             evalResp.Body.Result,
			Type:               evalResp.Body.Type,
			VariablesReference: evalResp.Body.VariablesReference,
		}, nil
	}
	return nil, lastErr
}

// Terminate asks the adapter to stop the debuggee, then tears down the
// connection and the adapter process.
func (s *Session) Terminate(ctx context.Context) error {
	var err error
	select {
	case <-s.client.Done():
	default:
		callCtx, cancel := context.WithTimeout(ctx, disconnectTimeout)
		request := &rawRequest{
			Request:   newRequest("disconnect"),
			Arguments: json.RawMessage(`{"terminateDebuggee":true}`),
		}
		if _, callErr := s.client.Call(callCtx, request); callErr != nil {
			s.logger.Warnw("disconnect request failed", "session", s.info.ID, "error", callErr)
		}
		cancel()
	}

	if closeErr := s.client.Close(); closeErr != nil && !errors.Is(closeErr, ErrClientClosed) {
		s.logger.Debugw("close adapter connection", "session", s.info.ID, "error", closeErr)
	}
	if s.adapter != nil && s.adapter.Stop != nil {
		err = multierr.Append(err, s.adapter.Stop())
	}

	s.mu.Lock()
	s.state = common.StateTerminated
	s.mu.Unlock()
	return err
}

func (s *Session) checkAlive() error {
	if s.State() == common.StateTerminated {
		return common.ErrTerminated
	}
	return nil
}

func (s *Session) checkPaused() error {
	switch s.State() {
	case common.StatePaused:
		return nil
	case common.StateTerminated:
		return common.ErrTerminated
	default:
		return common.ErrNotPaused
	}
}

func (s *Session) stoppedThread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastStop != nil && s.lastStop.ThreadID != 0 {
		return s.lastStop.ThreadID
	}
	return 1
}

var _ common.Session = (*Session)(nil)
