// Package config defines the read interface to the external agent
// configuration store and the resolver that turns loosely-typed stored
// records into strongly-typed AgentSpec values. All field presence and
// reference existence checks happen here, once, at the boundary; the
// orchestrator only ever sees fully resolved specs.
package config

import (
	"errors"
	"fmt"
	"strings"
)

// Ref is the stable two-part identifier of an agent definition: the config
// entry that owns it and the subentry id within that entry. Agents in one
// entry may reference subagents defined in another; both resolve through the
// same Store interface.
type Ref struct {
	Entry    string `json:"entry" yaml:"entry"`
	Subentry string `json:"subentry" yaml:"subentry"`
}

// ParseRef parses the "entry/subentry" string form used in stored
// configuration and on the wire.
func ParseRef(s string) (Ref, error) {
	entry, subentry, ok := strings.Cut(s, "/")
	if !ok || entry == "" || subentry == "" {
		return Ref{}, fmt.Errorf("invalid agent ref %q: want entry/subentry", s)
	}
	return Ref{Entry: entry, Subentry: subentry}, nil
}

// String returns the canonical "entry/subentry" form.
func (r Ref) String() string { return r.Entry + "/" + r.Subentry }

// IsZero reports whether the ref is unset.
func (r Ref) IsZero() bool { return r.Entry == "" && r.Subentry == "" }

// UnmarshalYAML accepts either the compact "entry/subentry" string form or
// an explicit {entry, subentry} mapping.
func (r *Ref) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, perr := ParseRef(s)
		if perr != nil {
			return perr
		}
		*r = parsed
		return nil
	}

	var aux struct {
		Entry    string `yaml:"entry"`
		Subentry string `yaml:"subentry"`
	}
	if err := unmarshal(&aux); err != nil {
		return err
	}
	if aux.Entry == "" || aux.Subentry == "" {
		return errors.New("agent ref requires entry and subentry")
	}
	*r = Ref{Entry: aux.Entry, Subentry: aux.Subentry}
	return nil
}

// MarshalYAML emits the compact string form.
func (r Ref) MarshalYAML() (any, error) { return r.String(), nil }

// Subentry is the loosely-typed stored record for one agent definition.
// Validation is deferred to the Resolver.
type Subentry struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Model        string   `yaml:"model"`
	Description  string   `yaml:"description"`
	Instructions string   `yaml:"instructions"`
	ToolIDs      []string `yaml:"tools"`
	Subagents    []Ref    `yaml:"subagents"`
}

// Entry is one config store entry: a titled container of agent subentries.
type Entry struct {
	ID         string               `yaml:"id"`
	Title      string               `yaml:"title"`
	Subentries map[string]*Subentry `yaml:"-"`
}

// Subentry returns the subentry with the given id, or nil.
func (e *Entry) Subentry(id string) *Subentry {
	if e == nil {
		return nil
	}
	return e.Subentries[id]
}

// ErrEntryNotFound is returned by Store implementations when no entry exists
// for the requested id.
var ErrEntryNotFound = errors.New("config entry not found")

// Store is the read-only interface to the external configuration source.
// Implementations must be safe for concurrent reads.
type Store interface {
	GetEntry(entryID string) (*Entry, error)
}
