package server

import (
	"sync"
	"time"

	"github.com/Tyrowin/gochat-live/internal/telemetry"
)

type registryEntry struct {
	client       *Client
	lastActivity time.Time
	idle         bool
}

// Registry is the authoritative map from user id to the live, authenticated
// connection of that user. At most one connection is registered per user.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]*registryEntry
	now     func() time.Time
	metrics *telemetry.Metrics
}

// NewRegistry creates an empty registry. now stamps activity.
func NewRegistry(now func() time.Time, metrics *telemetry.Metrics) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		entries: make(map[int64]*registryEntry),
		now:     now,
		metrics: metrics,
	}
}

// Admit registers c under its user id and returns the connection it
// replaced, if any. Last writer wins.
func (r *Registry) Admit(c *Client) (replaced *Client) {
	userID := c.UserID()

	r.mu.Lock()
	if prev, ok := r.entries[userID]; ok && prev.client != c {
		replaced = prev.client
	}
	r.entries[userID] = &registryEntry{client: c, lastActivity: r.now()}
	n := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetRegistered(n)
	return replaced
}

// Remove deletes c's entry if c is still the registered connection for its
// user. It reports whether an entry was removed.
func (r *Registry) Remove(c *Client) bool {
	userID := c.UserID()

	r.mu.Lock()
	entry, ok := r.entries[userID]
	if !ok || entry.client != c {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, userID)
	n := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetRegistered(n)
	return true
}

// Touch records activity for c. It reports whether c is registered and
// whether its user was idle before the touch.
func (r *Registry) Touch(c *Client) (registered, wasIdle bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[c.UserID()]
	if !ok || entry.client != c {
		return false, false
	}
	wasIdle = entry.idle
	entry.lastActivity = r.now()
	entry.idle = false
	return true, wasIdle
}

// MarkIdle flags c's entry idle. It reports false if c is no longer the
// registered connection.
func (r *Registry) MarkIdle(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[c.UserID()]
	if !ok || entry.client != c {
		return false
	}
	entry.idle = true
	return true
}

// Contains reports whether userID has a registered connection.
func (r *Registry) Contains(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.entries[userID]
	return ok
}

// Lookup returns the registered connection of userID.
func (r *Registry) Lookup(userID int64) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return entry.client, true
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ForEach calls fn for a snapshot of the registry, outside the lock.
func (r *Registry) ForEach(fn func(c *Client, lastActivity time.Time)) {
	type snap struct {
		client       *Client
		lastActivity time.Time
	}

	r.mu.RLock()
	entries := make([]snap, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, snap{client: e.client, lastActivity: e.lastActivity})
	}
	r.mu.RUnlock()

	for _, e := range entries {
		fn(e.client, e.lastActivity)
	}
}

// broadcastIf calls deliver for every registered connection while holding
// the read lock, but only if userID's membership equals registered. Admit
// and Remove cannot interleave, so a delivered presence update always agrees
// with the registry. deliver must not block.
func (r *Registry) broadcastIf(userID int64, registered bool, deliver func(*Client)) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.entries[userID]; ok != registered {
		return false
	}
	for _, e := range r.entries {
		deliver(e.client)
	}
	return true
}
