package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/oklog/ulid/v2"
	sse "github.com/tmaxmax/go-sse"
	"github.com/uber-go/tally"

	"github.com/xhd2015/debug-bridge-mcp/log"
	"github.com/xhd2015/debug-bridge-mcp/session"
)

// HeaderSessionID carries the session id on every request after initialize.
const HeaderSessionID = "Mcp-Session-Id"

const (
	DefaultMaxBodyBytes       = 4 << 20
	DefaultNotificationBuffer = 64
)

// Handler serves the protocol endpoint. One Handler multiplexes any number of
// sessions; each initialize request starts a new one.
type Handler struct {
	mcpServer *server.MCPServer
	sessions  *session.Registry

	logger       log.Logger
	stats        tally.Scope
	maxBodyBytes int64
	notifyBuffer int
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(logger log.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

func WithStats(stats tally.Scope) Option {
	return func(h *Handler) { h.stats = stats }
}

func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBodyBytes = n }
}

func WithNotificationBuffer(n int) Option {
	return func(h *Handler) { h.notifyBuffer = n }
}

// NewHandler returns a Handler dispatching to mcpServer and tracking sessions
// in sessions.
func NewHandler(mcpServer *server.MCPServer, sessions *session.Registry, opts ...Option) *Handler {
	h := &Handler{
		mcpServer:    mcpServer,
		sessions:     sessions,
		logger:       log.Nop(),
		stats:        tally.NoopScope,
		maxBodyBytes: DefaultMaxBodyBytes,
		notifyBuffer: DefaultNotificationBuffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Lookup returns the live session registered under id.
func (h *Handler) Lookup(id string) (*Session, error) {
	if id == "" {
		return nil, session.ErrNotFound
	}
	t, ok := h.sessions.Get(id)
	if !ok {
		return nil, session.ErrNotFound
	}
	s, ok := t.(*Session)
	if !ok || s.closed() {
		return nil, session.ErrNotFound
	}
	return s, nil
}

type envelope struct {
	Method string          `json:"method"`
	ID     json.RawMessage `json:"id,omitempty"`
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, CodeParseError, "Parse error: failed to read body")
		return
	}
	if int64(len(body)) > h.maxBodyBytes {
		writeRPCError(w, http.StatusBadRequest, CodeParseError, "Parse error: body too large")
		return
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeRPCError(w, http.StatusBadRequest, CodeParseError, "Parse error: invalid JSON")
		return
	}

	headerID := r.Header.Get(HeaderSessionID)
	if env.Method == string(mcp.MethodInitialize) {
		h.initialize(w, r, headerID, body)
		return
	}

	s, err := h.Lookup(headerID)
	if err != nil {
		h.stats.Counter("rejected_requests").Inc(1)
		h.logger.Debugw("rejected request", "method", env.Method, "sessionId", headerID)
		writeRPCError(w, http.StatusBadRequest, CodeBadSession, msgBadSession)
		return
	}

	resp, err := h.dispatch(r.Context(), s, body)
	if err != nil {
		h.logger.Errorw("session failed, tearing down", "sessionId", s.id, "method", env.Method, "error", err)
		s.Close()
		writeRPCError(w, http.StatusInternalServerError, CodeInternalError, msgInternalError)
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set(HeaderSessionID, s.id)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) initialize(w http.ResponseWriter, r *http.Request, previousID string, body []byte) {
	if previousID != "" {
		if old, ok := h.sessions.Get(previousID); ok {
			h.logger.Infow("re-initialize replaces session", "sessionId", previousID)
			old.Close()
		}
	}

	s := newSession(uuid.NewString(), h.notifyBuffer, h.release)
	resp, err := h.dispatch(r.Context(), s, body)
	if err != nil {
		h.logger.Errorw("initialize failed", "error", err)
		writeRPCError(w, http.StatusInternalServerError, CodeInternalError, msgInternalError)
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if _, isErr := resp.(mcp.JSONRPCError); isErr {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if err := h.mcpServer.RegisterSession(context.Background(), s); err != nil {
		h.logger.Errorw("register session", "sessionId", s.id, "error", err)
		writeRPCError(w, http.StatusInternalServerError, CodeInternalError, msgInternalError)
		return
	}
	h.sessions.Add(s.id, s)
	h.stats.Counter("sessions_created").Inc(1)
	h.logger.Infow("session created", "sessionId", s.id, "active", h.sessions.Count())

	w.Header().Set(HeaderSessionID, s.id)
	writeJSON(w, http.StatusOK, resp)
}

// dispatch hands body to the protocol server in the context of s. A panic in
// a handler is reported as an error.
func (h *Handler) dispatch(ctx context.Context, s *Session, body []byte) (resp mcp.JSONRPCMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.mcpServer.HandleMessage(h.mcpServer.WithContext(ctx, s), body), nil
}

// release is the session close hook.
func (h *Handler) release(s *Session) {
	if t, ok := h.sessions.Get(s.id); ok && t == session.Transport(s) {
		h.sessions.Remove(s.id)
	}
	h.mcpServer.UnregisterSession(context.Background(), s.id)
	h.logger.Infow("session closed", "sessionId", s.id, "active", h.sessions.Count())
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	s, err := h.Lookup(r.Header.Get(HeaderSessionID))
	if err != nil {
		http.Error(w, msgBadSessionID, http.StatusBadRequest)
		return
	}
	if !s.streaming.CompareAndSwap(false, true) {
		http.Error(w, "Conflict: stream already open for session", http.StatusConflict)
		return
	}
	defer s.streaming.Store(false)

	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(HeaderSessionID, s.id)
	stream, err := sse.Upgrade(w, r)
	if err != nil {
		h.logger.Errorw("stream upgrade", "sessionId", s.id, "error", err)
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := h.send(stream, ready); err != nil {
		h.streamFailed(s, err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.Done():
			return
		case n := <-s.notifications:
			data, err := json.Marshal(n)
			if err != nil {
				h.logger.Errorw("marshal notification", "sessionId", s.id, "error", err)
				continue
			}
			msg := &sse.Message{ID: sse.ID(ulid.Make().String()), Type: sse.Type("message")}
			msg.AppendData(string(data))
			if err := h.send(stream, msg); err != nil {
				h.streamFailed(s, err)
				return
			}
		}
	}
}

func (h *Handler) send(stream *sse.Session, msg *sse.Message) error {
	if err := stream.Send(msg); err != nil {
		return err
	}
	return stream.Flush()
}

func (h *Handler) streamFailed(s *Session, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	h.logger.Warnw("stream write failed, tearing down session", "sessionId", s.id, "error", err)
	s.Close()
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	s, err := h.Lookup(r.Header.Get(HeaderSessionID))
	if err != nil {
		http.Error(w, msgBadSessionID, http.StatusBadRequest)
		return
	}
	s.Close()
	w.WriteHeader(http.StatusOK)
}
