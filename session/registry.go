package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/uber-go/tally"
	"go.uber.org/multierr"
)

// ErrNotFound is returned when a session id does not resolve.
var ErrNotFound = errors.New("session not found")

// Transport is the per-session handle kept in the registry.
type Transport interface {
	SessionID() string
	Close() error
}

// Registry maps session ids to their open transports.
type Registry struct {
	mu         sync.Mutex
	transports map[string]Transport
	stats      tally.Scope
}

// NewRegistry returns an empty registry reporting to stats.
// A nil scope disables metrics.
func NewRegistry(stats tally.Scope) *Registry {
	if stats == nil {
		stats = tally.NoopScope
	}
	return &Registry{
		transports: make(map[string]Transport),
		stats:      stats,
	}
}

// Add stores t under id, replacing any previous entry.
func (r *Registry) Add(id string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transports[id] = t
	r.updateGauge()
}

// Remove deletes id and returns what was stored. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) (Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transports[id]
	if !ok {
		return nil, false
	}
	delete(r.transports, id)
	r.updateGauge()
	return t, true
}

// Get returns the transport for id.
func (r *Registry) Get(id string) (Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transports[id]
	return t, ok
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.transports)
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.transports))
	for id := range r.transports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll empties the registry and closes every transport it held.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	transports := r.transports
	r.transports = make(map[string]Transport)
	r.updateGauge()
	r.mu.Unlock()

	var err error
	for _, t := range transports {
		err = multierr.Append(err, t.Close())
	}
	return err
}

func (r *Registry) updateGauge() {
	r.stats.Gauge("active_sessions").Update(float64(len(r.transports)))
}
