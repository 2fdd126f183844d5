package transport

import (
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Session is one logical protocol session multiplexed over the HTTP endpoint.
// It is the per-session handle stored in the session registry and the
// ClientSession the protocol server delivers notifications to.
type Session struct {
	id            string
	notifications chan mcp.JSONRPCNotification
	initialized   atomic.Bool
	streaming     atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
	onClose   func(*Session)
}

var _ server.ClientSession = (*Session)(nil)

func newSession(id string, buffer int, onClose func(*Session)) *Session {
	return &Session{
		id:            id,
		notifications: make(chan mcp.JSONRPCNotification, buffer),
		done:          make(chan struct{}),
		onClose:       onClose,
	}
}

// SessionID implements server.ClientSession.
func (s *Session) SessionID() string {
	return s.id
}

// Initialize implements server.ClientSession.
func (s *Session) Initialize() {
	s.initialized.Store(true)
}

// Initialized implements server.ClientSession.
func (s *Session) Initialized() bool {
	return s.initialized.Load()
}

// NotificationChannel implements server.ClientSession. The channel is never
// closed; senders must not block on it.
func (s *Session) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return s.notifications
}

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close tears the session down once and runs the close callback.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
	return nil
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
