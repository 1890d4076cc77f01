package config

import "sync"

// MemoryStore is a volatile Store implementation backed by a process-local
// map. It is safe for concurrent access and best suited for tests or hosts
// that assemble agent definitions programmatically.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryStore constructs an empty in-memory config store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// PutEntry stores (or replaces) an entry, indexing its subentries by id.
func (s *MemoryStore) PutEntry(entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Subentries == nil {
		entry.Subentries = make(map[string]*Subentry)
	}
	s.entries[entry.ID] = entry
}

// PutAgent is a convenience that stores a single subentry, creating its
// owning entry on demand.
func (s *MemoryStore) PutAgent(entryID string, sub *Subentry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok {
		entry = &Entry{ID: entryID, Subentries: make(map[string]*Subentry)}
		s.entries[entryID] = entry
	}
	entry.Subentries[sub.ID] = sub
}

// GetEntry implements Store.
func (s *MemoryStore) GetEntry(entryID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}
