// Package schema holds the declarative action, state and lock definitions the
// runtime consumes, plus JSON-Schema validation of arguments and payloads.
// Definitions are plain data produced ahead of time (usually generated from
// the backend's published schema) and loaded from a YAML registry file.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ActionDefinition describes one remotely assignable action.
type ActionDefinition struct {
	Name         string
	Description  string
	ArgsSchema   json.RawMessage
	ReturnSchema json.RawMessage
	LockKeys     []string
}

// StateDefinition describes one mirrored server-side state document.
type StateDefinition struct {
	Key         string
	Description string
	Schema      json.RawMessage
}

// LockDefinition names a lockable backend resource.
type LockDefinition struct {
	Key         string
	Description string
}

// Registry is the set of definitions known to a client.
type Registry struct {
	actions map[string]ActionDefinition
	states  map[string]StateDefinition
	locks   map[string]LockDefinition
}

// NewRegistry builds a registry from already-constructed definitions.
func NewRegistry(actions []ActionDefinition, states []StateDefinition, locks []LockDefinition) (*Registry, error) {
	r := &Registry{
		actions: make(map[string]ActionDefinition, len(actions)),
		states:  make(map[string]StateDefinition, len(states)),
		locks:   make(map[string]LockDefinition, len(locks)),
	}
	for _, a := range actions {
		if strings.TrimSpace(a.Name) == "" {
			return nil, fmt.Errorf("action definition without name")
		}
		if _, dup := r.actions[a.Name]; dup {
			return nil, fmt.Errorf("duplicate action %q", a.Name)
		}
		r.actions[a.Name] = a
	}
	for _, s := range states {
		if strings.TrimSpace(s.Key) == "" {
			return nil, fmt.Errorf("state definition without key")
		}
		if _, dup := r.states[s.Key]; dup {
			return nil, fmt.Errorf("duplicate state %q", s.Key)
		}
		r.states[s.Key] = s
	}
	for _, l := range locks {
		r.locks[l.Key] = l
	}
	// Lock keys referenced by actions are implicitly declared.
	for _, a := range actions {
		for _, key := range a.LockKeys {
			if _, ok := r.locks[key]; !ok {
				r.locks[key] = LockDefinition{Key: key}
			}
		}
	}
	return r, nil
}

// Action returns the named action definition.
func (r *Registry) Action(name string) (ActionDefinition, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// State returns the named state definition.
func (r *Registry) State(key string) (StateDefinition, bool) {
	s, ok := r.states[key]
	return s, ok
}

// Lock returns the named lock definition.
func (r *Registry) Lock(key string) (LockDefinition, bool) {
	l, ok := r.locks[key]
	return l, ok
}

// Actions returns all action definitions sorted by name.
func (r *Registry) Actions() []ActionDefinition {
	out := make([]ActionDefinition, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// States returns all state definitions sorted by key.
func (r *Registry) States() []StateDefinition {
	out := make([]StateDefinition, 0, len(r.states))
	for _, s := range r.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Locks returns all lock definitions sorted by key.
func (r *Registry) Locks() []LockDefinition {
	out := make([]LockDefinition, 0, len(r.locks))
	for _, l := range r.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

type registryFile struct {
	Actions []struct {
		Name         string         `yaml:"name"`
		Description  string         `yaml:"description"`
		ArgsSchema   map[string]any `yaml:"args_schema"`
		ReturnSchema map[string]any `yaml:"return_schema"`
		LockKeys     []string       `yaml:"lock_keys"`
	} `yaml:"actions"`
	States []struct {
		Key         string         `yaml:"key"`
		Description string         `yaml:"description"`
		Schema      map[string]any `yaml:"schema"`
	} `yaml:"states"`
	Locks []struct {
		Key         string `yaml:"key"`
		Description string `yaml:"description"`
	} `yaml:"locks"`
}

// LoadRegistry reads a definitions file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	r, err := ParseRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// ParseRegistry decodes a YAML (or JSON) definitions document. Schemas are
// written inline as YAML mappings and converted to JSON.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}

	actions := make([]ActionDefinition, 0, len(file.Actions))
	for _, a := range file.Actions {
		args, err := schemaJSON(a.ArgsSchema)
		if err != nil {
			return nil, fmt.Errorf("action %q args_schema: %w", a.Name, err)
		}
		returns, err := schemaJSON(a.ReturnSchema)
		if err != nil {
			return nil, fmt.Errorf("action %q return_schema: %w", a.Name, err)
		}
		actions = append(actions, ActionDefinition{
			Name:         a.Name,
			Description:  a.Description,
			ArgsSchema:   args,
			ReturnSchema: returns,
			LockKeys:     a.LockKeys,
		})
	}

	states := make([]StateDefinition, 0, len(file.States))
	for _, s := range file.States {
		raw, err := schemaJSON(s.Schema)
		if err != nil {
			return nil, fmt.Errorf("state %q schema: %w", s.Key, err)
		}
		states = append(states, StateDefinition{Key: s.Key, Description: s.Description, Schema: raw})
	}

	locks := make([]LockDefinition, 0, len(file.Locks))
	for _, l := range file.Locks {
		locks = append(locks, LockDefinition{Key: l.Key, Description: l.Description})
	}
	return NewRegistry(actions, states, locks)
}

func schemaJSON(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}
