// Package presence tracks which users are reachable on a live connection.
package presence

import (
	"context"
	"sync"
	"time"
)

// Registry maps a user to the single connection currently serving them.
// The last registration wins.
type Registry interface {
	Register(userID, connID string)
	Unregister(userID string)
	Lookup(userID string) (connID string, ok bool)
}

// Entry is a registry record as seen by Sweep callers.
type Entry struct {
	UserID   string
	ConnID   string
	LastSeen time.Time
}

// Memory is the process-local Registry. Entries that miss heartbeats for
// longer than ttl are evicted by Sweep.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
	now     func() time.Time
}

var _ Registry = (*Memory)(nil)

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{entries: make(map[string]Entry), ttl: ttl, now: time.Now}
}

func (m *Memory) Register(userID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[userID] = Entry{UserID: userID, ConnID: connID, LastSeen: m.now()}
}

// Unregister is idempotent.
func (m *Memory) Unregister(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
}

func (m *Memory) Lookup(userID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	return e.ConnID, ok
}

// Release removes the entry only while connID still owns it, so a stale
// connection closing cannot evict a newer one. It reports whether it removed.
func (m *Memory) Release(userID, connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	if !ok || e.ConnID != connID {
		return false
	}
	delete(m.entries, userID)
	return true
}

// Touch records a heartbeat for the connection that owns userID.
func (m *Memory) Touch(userID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[userID]
	if !ok || e.ConnID != connID {
		return
	}
	e.LastSeen = m.now()
	m.entries[userID] = e
}

// Sweep evicts and returns entries whose last heartbeat is older than ttl.
func (m *Memory) Sweep() []Entry {
	if m.ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.ttl)
	var expired []Entry
	for uid, e := range m.entries {
		if e.LastSeen.Before(cutoff) {
			expired = append(expired, e)
			delete(m.entries, uid)
		}
	}
	return expired
}

// Run sweeps every interval until ctx is done, passing each evicted entry to onExpire.
// It returns at once when expiry is disabled or interval is not positive.
func (m *Memory) Run(ctx context.Context, interval time.Duration, onExpire func(Entry)) {
	if m.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range m.Sweep() {
				if onExpire != nil {
					onExpire(e)
				}
			}
		}
	}
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
