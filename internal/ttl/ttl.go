// Package ttl tracks per-key expiry deadlines for the keyspace: a
// deadline map for authoritative lookups, and a min-heap of
// (deadline, key) pairs used purely as a scheduling index for the
// proactive sweep. The heap is allowed to accumulate stale entries
// whose deadline no longer matches the authoritative one; those are
// discarded as they are popped rather than removed eagerly.
package ttl

import (
	"container/heap"
	"sync"
	"time"
)

// NoDeadline is returned by GetTTLMillis when a key has no expiry set.
const NoDeadline = -1

// cleanupInterval throttles proactive sweeps the way the original
// implementation's TTLManager.cleanup_expired does.
const cleanupInterval = 100 * time.Millisecond

type heapEntry struct {
	deadlineMs int64
	key        string
}

type deadlineHeap []heapEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadlineMs < h[j].deadlineMs }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Manager owns the expiry index described in spec.md §3: deadline_of and
// pending. Safe for concurrent use: every method takes the manager's own
// lock. Callers that need a TTL check and a keyspace mutation to be one
// critical section must hold their own lock around both calls.
type Manager struct {
	mu          sync.Mutex
	deadlineOf  map[string]int64
	pending     deadlineHeap
	lastCleanup time.Time
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		deadlineOf: make(map[string]int64),
	}
}

// NowMillis returns the current wall-clock time in milliseconds, the same
// clock basis used throughout the manager.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// SetExpiry records an expiry ttlMs milliseconds from now. ttlMs < 0 is
// rejected and records nothing. A prior deadline for key is overwritten;
// the stale heap entry, if any, is left in place as a tombstone.
func (m *Manager) SetExpiry(key string, ttlMs int64) bool {
	if ttlMs < 0 {
		return false
	}
	deadline := NowMillis() + ttlMs

	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlineOf[key] = deadline
	heap.Push(&m.pending, heapEntry{deadlineMs: deadline, key: key})
	return true
}

// GetTTLMillis returns the remaining milliseconds until expiry, or
// NoDeadline if key has no deadline recorded. It does NOT distinguish
// "no deadline" from "deadline already passed" -- spec.md §9 assigns that
// distinction to the caller (the data engine's lazy-expiry check), so
// this always returns NoDeadline once a deadline has passed, matching the
// spec's intent that a passed deadline surface as -2 via the engine, not
// as -1 here.
func (m *Manager) GetTTLMillis(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline, ok := m.deadlineOf[key]
	if !ok {
		return NoDeadline
	}
	remaining := deadline - NowMillis()
	if remaining <= 0 {
		return NoDeadline
	}
	return remaining
}

// IsExpired reports whether key has a deadline that has passed.
func (m *Manager) IsExpired(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline, ok := m.deadlineOf[key]
	if !ok {
		return false
	}
	return deadline <= NowMillis()
}

// RemoveTTL clears key's deadline, if any. The heap entry, if any, becomes
// a stale tombstone discarded on the next sweep that reaches it.
func (m *Manager) RemoveTTL(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deadlineOf[key]; !ok {
		return false
	}
	delete(m.deadlineOf, key)
	return true
}

// CleanupExpired pops entries off the scheduling heap whose deadline has
// passed, discarding stale ones, and returns the set of keys that were
// authoritatively expired by this sweep. Unless force is true, a sweep
// that ran less than cleanupInterval ago is a no-op returning nil.
func (m *Manager) CleanupExpired(force bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if !force && now.Sub(m.lastCleanup) < cleanupInterval {
		return nil
	}
	m.lastCleanup = now

	nowMs := now.UnixMilli()
	var expired []string
	for len(m.pending) > 0 && m.pending[0].deadlineMs <= nowMs {
		e := heap.Pop(&m.pending).(heapEntry)
		if d, ok := m.deadlineOf[e.key]; ok && d == e.deadlineMs {
			expired = append(expired, e.key)
			delete(m.deadlineOf, e.key)
		}
		// else: stale entry, discard silently.
	}
	return expired
}

// Clear wipes both the deadline map and the scheduling heap.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlineOf = make(map[string]int64)
	m.pending = nil
}
