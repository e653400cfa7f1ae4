package listener

import (
	"sort"
	"sync"
	"time"

	"github.com/wirasto/otphub/internal/protocol"
)

// Entry is one live listening connection in the table.
type Entry struct {
	Identity     string
	Conn         protocol.Conn
	RegisteredAt time.Time
}

// Table tracks which identities currently have an active listening
// connection. The coordinator is the only writer; reads may come from
// anywhere.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewTable creates an empty listener table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Contains reports whether identity has an active listener.
func (t *Table) Contains(identity string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[identity]
	return ok
}

// Register adds an entry for identity. Returns false if one already exists;
// the caller must not subscribe twice for the same identity.
func (t *Table) Register(identity string, conn protocol.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[identity]; ok {
		return false
	}
	t.entries[identity] = &Entry{
		Identity:     identity,
		Conn:         conn,
		RegisteredAt: time.Now(),
	}
	return true
}

// Get returns identity's entry if present.
func (t *Table) Get(identity string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[identity]
	return e, ok
}

// Deregister removes identity's entry. Removing an absent identity is a
// no-op.
func (t *Table) Deregister(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, identity)
}

// Identities returns the registered identities, sorted.
func (t *Table) Identities() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of active listeners.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
