// Package presence tracks which users hold open connections and when each
// user was last active.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type entry struct {
	conns        map[string]struct{}
	lastActivity time.Time
}

// Registry maps user IDs to their open connections and last activity.
// All access goes through its methods; the maps are never exposed.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	log     *slog.Logger
}

// NewRegistry returns an empty registry using the wall clock.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
		log:     log,
	}
}

// WithClock replaces the registry clock. Intended for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
	return r
}

func (r *Registry) entryLocked(userID string) *entry {
	e, ok := r.entries[userID]
	if !ok {
		e = &entry{conns: make(map[string]struct{})}
		r.entries[userID] = e
	}
	return e
}

// Touch records activity for userID (heartbeat, join, accepted message).
func (r *Registry) Touch(userID string) {
	if userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entryLocked(userID).lastActivity = r.now()
}

// Attach binds connID to userID and marks the user active.
func (r *Registry) Attach(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(userID)
	e.conns[connID] = struct{}{}
	e.lastActivity = r.now()
}

// Detach removes connID from userID's connection set. It reports whether
// the user has no open connections left. The timestamp bookkeeping stays
// until the next sweep.
func (r *Registry) Detach(userID, connID string) (offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		return true
	}
	delete(e.conns, connID)
	return len(e.conns) == 0
}

// Sweep evicts entries with no open connections whose last activity is
// older than threshold. Entries holding a connection are never evicted.
func (r *Registry) Sweep(now time.Time, threshold time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for userID, e := range r.entries {
		if len(e.conns) > 0 {
			continue
		}
		if now.Sub(e.lastActivity) > threshold {
			delete(r.entries, userID)
			evicted++
		}
	}
	return evicted
}

// ActiveCount returns the number of users with at least one open connection.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if len(e.conns) > 0 {
			n++
		}
	}
	return n
}

// IsOnline reports whether userID has an open connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	return ok && len(e.conns) > 0
}

// LastSeen returns the last recorded activity of userID.
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastActivity, true
}

// Run sweeps every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Debug("presence sweeper stopped")
			return
		case <-ticker.C:
			r.mu.Lock()
			now := r.now()
			r.mu.Unlock()
			if n := r.Sweep(now, threshold); n > 0 {
				r.log.Info("presence sweep", "evicted", n, "active_users", r.ActiveCount())
			}
		}
	}
}
