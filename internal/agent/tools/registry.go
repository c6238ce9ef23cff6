package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ParamSpec describes one parameter of a tool.
type ParamSpec struct {
	Type        string   `json:"type"` // string, number, integer, boolean, array, object
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"-"`
	Enum        []string `json:"enum,omitempty"`
}

// RetryPolicy controls transient-failure retries in the invoker.
type RetryPolicy struct {
	MaxRetries  int
	Backoff     time.Duration
	Exponential bool
}

// Definition is an immutable tool registration. Execute receives validated
// params and must honour ctx cancellation for the timeout to be effective.
type Definition struct {
	Name         string
	Description  string
	Params       map[string]ParamSpec
	Execute      func(ctx context.Context, params map[string]interface{}) (interface{}, error)
	ParallelSafe bool
	CacheTTL     time.Duration
	Timeout      time.Duration
	Retry        RetryPolicy
}

// JSONSchema renders the parameter spec as a JSON-schema object suitable for
// offering to a model backend.
func (d Definition) JSONSchema() map[string]interface{} {
	props := make(map[string]interface{}, len(d.Params))
	var required []string
	for name, spec := range d.Params {
		p := map[string]interface{}{"type": spec.Type}
		if spec.Description != "" {
			p["description"] = spec.Description
		}
		if len(spec.Enum) > 0 {
			p["enum"] = spec.Enum
		}
		props[name] = p
		if spec.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Registry is a name-unique lookup of tool definitions. The orchestrator
// core never constructs tools itself; a populated registry is handed in.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a tool. Names are unique; re-registering is a configuration
// error, not a silent overwrite.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Execute == nil {
		return fmt.Errorf("tool %s: execute function is required", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Get returns the definition for a tool name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
