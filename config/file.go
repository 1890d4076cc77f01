package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk shape of a YAML config file.
type fileDocument struct {
	Entries []fileEntry `yaml:"entries"`
}

type fileEntry struct {
	ID     string      `yaml:"id"`
	Title  string      `yaml:"title"`
	Agents []*Subentry `yaml:"agents"`
}

// FileStore is a Store loaded once from a YAML file. Agent definitions live
// under entries[].agents[]; subagent references use the "entry/subentry"
// string form. The store is immutable after load and safe for concurrent
// reads.
//
// Example:
//
//	entries:
//	  - id: household
//	    title: Household agents
//	    agents:
//	      - id: router
//	        name: router
//	        model: gpt-4o-mini
//	        description: Routes requests to specialist agents.
//	        instructions: You coordinate the household assistants.
//	        subagents: [household/kitchen]
//	      - id: kitchen
//	        name: kitchen
//	        model: gpt-4o-mini
//	        description: Handles kitchen tasks like timers.
//	        instructions: You control the kitchen.
//	        tools: [set_timer]
type FileStore struct {
	entries map[string]*Entry
}

// LoadFile reads and parses a YAML config file into a FileStore.
func LoadFile(path string) (*FileStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseFile(raw)
}

// ParseFile parses YAML config bytes into a FileStore.
func ParseFile(raw []byte) (*FileStore, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	entries := make(map[string]*Entry, len(doc.Entries))
	for _, fe := range doc.Entries {
		if fe.ID == "" {
			return nil, fmt.Errorf("config entry without id")
		}
		if _, dup := entries[fe.ID]; dup {
			return nil, fmt.Errorf("duplicate config entry id %q", fe.ID)
		}

		entry := &Entry{ID: fe.ID, Title: fe.Title, Subentries: make(map[string]*Subentry, len(fe.Agents))}
		for _, sub := range fe.Agents {
			if sub.ID == "" {
				return nil, fmt.Errorf("entry %q: agent without id", fe.ID)
			}
			if _, dup := entry.Subentries[sub.ID]; dup {
				return nil, fmt.Errorf("entry %q: duplicate agent id %q", fe.ID, sub.ID)
			}
			entry.Subentries[sub.ID] = sub
		}
		entries[fe.ID] = entry
	}

	return &FileStore{entries: entries}, nil
}

// GetEntry implements Store.
func (s *FileStore) GetEntry(entryID string) (*Entry, error) {
	entry, ok := s.entries[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry, nil
}
