package tools

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/orbiterhq/orbiter/internal/providers"
)

// SecurityLevel classifies a tool's blast radius (§3 ToolDefinition,
// §4.C). Tagged-variant by convention (closed string set), not a type
// hierarchy, per §9's design note.
type SecurityLevel string

const (
	SecurityRead  SecurityLevel = "read"
	SecurityWrite SecurityLevel = "write"
	SecuritySign  SecurityLevel = "sign"
)

// ToolContext is passed to every Execute call (§4.C, §6 ToolContext).
// Tools that need to request human confirmation receive a write-gate
// adapter, never a raw channel reference.
type ToolContext struct {
	SessionKey  string
	AgentID     string
	UserID      string
	ChannelID   string
	WorkspacePath string
	ToolConfig  map[string]any

	// Confirm, if non-nil, lets a tool request an ad-hoc confirmation
	// beyond the automatic write/sign gating the Executor already applies.
	Confirm func(prompt string) (bool, error)
}

// ExecuteFunc is a tool's implementation.
type ExecuteFunc func(args map[string]any, ctx ToolContext) *Result

// ToolDefinition is the registry's unit of record (§3, §6). Names are
// unique within a Registry.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON-Schema-like object describing accepted
	// arguments; the Executor validates args against it before Execute
	// is called.
	Parameters map[string]any
	Security          SecurityLevel
	RequiresConfirm   bool
	Execute           ExecuteFunc
}

// Registry holds ToolDefinitions keyed by unique name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDefinition
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolDefinition)}
}

// Register adds a tool, replacing any existing definition of the same
// name.
func (r *Registry) Register(def *ToolDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (*ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tool names, sorted for deterministic
// snapshots (policy evaluation and provider tool-lists depend on stable
// ordering for reproducible test fixtures).
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns provider-facing ToolDefinitions for every registered
// tool, in the same stable order as List. The Agentic Loop passes this
// (after PolicyEngine.FilterTools narrows it) to the LLM each iteration.
func (r *Registry) Snapshot() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		out = append(out, ToProviderDef(r.tools[name]))
	}
	return out
}

// ToProviderDef converts a ToolDefinition to the wire shape the LLM
// provider contract expects.
func ToProviderDef(t *ToolDefinition) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		},
	}
}

// validateArgs is a minimal JSON-Schema-like check (§4.C step 2):
// required top-level properties must be present. Full schema validation
// (types, enums, nested objects) is intentionally out of scope — tools
// are expected to validate types themselves and return a validation_error
// Result for anything this shallow check misses.
func validateArgs(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}
	req, ok := schema["required"].([]string)
	if !ok {
		if reqAny, ok2 := schema["required"].([]any); ok2 {
			for _, r := range reqAny {
				if s, ok3 := r.(string); ok3 {
					req = append(req, s)
				}
			}
		}
	}
	for _, field := range req {
		if _, present := args[field]; !present {
			return &schemaError{field: field}
		}
	}
	return nil
}

type schemaError struct{ field string }

func (e *schemaError) Error() string {
	b, _ := json.Marshal(e.field)
	return "missing required field " + string(b)
}
