// Package state tracks which record identities a session has already seen.
package state

import "sync"

// Tracker classifies identities as new or duplicate.
type Tracker interface {
	Seen(identity string) bool
	Record(identity string)
	Len() int
}

// MemoryTracker keeps every identity for the lifetime of a session. Ingestion
// is a single pass, so the full set has to stay resident to catch duplicates
// that are far apart in the file.
type MemoryTracker struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[string]struct{})}
}

func (m *MemoryTracker) Seen(identity string) bool {
	m.mu.RLock()
	_, ok := m.seen[identity]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) Record(identity string) {
	if identity == "" {
		return
	}
	m.mu.Lock()
	m.seen[identity] = struct{}{}
	m.mu.Unlock()
}

func (m *MemoryTracker) Len() int {
	m.mu.RLock()
	n := len(m.seen)
	m.mu.RUnlock()
	return n
}

var _ Tracker = (*MemoryTracker)(nil)
