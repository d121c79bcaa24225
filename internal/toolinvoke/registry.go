package toolinvoke

import (
	"sync"
)

// Registry holds the live, mutable set of available tools. A run snapshots
// it once at start via Snapshot so dynamic registrations mid-run never leak
// into an already-running agent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Snapshot returns an immutable copy of the currently registered tools,
// fixed for the lifetime of one run.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make(map[string]Tool, len(r.tools))
	for name, t := range r.tools {
		tools[name] = t
	}
	return &Snapshot{tools: tools}
}

// Snapshot is a frozen, run-scoped view of the tool registry.
type Snapshot struct {
	tools map[string]Tool
}

// Get looks up a tool by name within the snapshot.
func (s *Snapshot) Get(name string) (Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Specs returns every tool's name/description/schema, for building the
// CompletionRequest.Tools list each step.
func (s *Snapshot) Specs() []ToolSpec {
	specs := make([]ToolSpec, 0, len(s.tools))
	for _, t := range s.tools {
		specs = append(specs, ToolSpec{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	return specs
}

// ToolSpec is a tool's presentation to the LLM, mirroring llmexec.ToolSpec
// without importing it — toolinvoke has no dependency on a specific
// provider package.
type ToolSpec struct {
	Name        string
	Description string
	Schema      []byte
}
