package core

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the in-memory map from capability ID to descriptor.
// Safe for concurrent use; writes are expected at startup only, and
// concurrent duplicate registrations are detected rather than overwritten.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]*Capability
	order        []string // registration order, for stable listing
	logger       Logger
}

// NewRegistry creates an empty capability registry.
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[string]*Capability),
		logger:       &NoOpLogger{},
	}
}

// SetLogger sets the logger for registry operations.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Register inserts a capability, computing derived defaults (tool name,
// API path, execution defaults) for fields not explicitly set.
// Returns a *DuplicateError if the ID is already present; the existing
// registration is left untouched.
func (r *Registry) Register(cap *Capability) error {
	if err := cap.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.capabilities[cap.ID]; exists {
		return &DuplicateError{CapabilityID: cap.ID}
	}

	cap.applyDefaults()
	r.capabilities[cap.ID] = cap
	r.order = append(r.order, cap.ID)

	r.logger.Info("Registered capability", map[string]interface{}{
		"capability_id": cap.ID,
		"group":         string(cap.Group),
		"mode":          string(cap.Execution.Mode),
		"mcp_exposed":   cap.MCP != nil,
		"api_exposed":   cap.API != nil,
	})

	return nil
}

// Get returns the descriptor for id, or nil if not registered.
func (r *Registry) Get(id string) *Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capabilities[id]
}

// GetOrErr returns the descriptor for id or a *NotFoundError.
func (r *Registry) GetOrErr(id string) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.capabilities[id]
	if !ok {
		return nil, &NotFoundError{CapabilityID: id}
	}
	return cap, nil
}

// ListAll returns every registered capability in registration order.
func (r *Registry) ListAll() []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(*Capability) bool { return true })
}

// ListByGroup returns capabilities in the given group.
func (r *Registry) ListByGroup(group Group) []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(c *Capability) bool { return c.Group == group })
}

// ListMCP returns capabilities with an MCP exposure descriptor.
func (r *Registry) ListMCP() []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(c *Capability) bool { return c.MCP != nil })
}

// ListAPI returns capabilities with an API exposure descriptor.
func (r *Registry) ListAPI() []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(c *Capability) bool { return c.API != nil })
}

// ListActive returns non-deprecated capabilities.
func (r *Registry) ListActive() []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(c *Capability) bool { return !c.Deprecated })
}

// Search returns capabilities whose ID, title, description, or tags contain
// the given text, case-insensitively.
func (r *Registry) Search(text string) []*Capability {
	needle := strings.ToLower(text)

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(c *Capability) bool {
		if strings.Contains(strings.ToLower(c.ID), needle) ||
			strings.Contains(strings.ToLower(c.Title), needle) ||
			strings.Contains(strings.ToLower(c.Description), needle) {
			return true
		}
		for _, tag := range c.Tags {
			if strings.Contains(strings.ToLower(tag), needle) {
				return true
			}
		}
		return false
	})
}

// collect gathers capabilities matching the filter in registration order.
// Caller must hold at least a read lock.
func (r *Registry) collect(match func(*Capability) bool) []*Capability {
	out := make([]*Capability, 0, len(r.order))
	for _, id := range r.order {
		if c := r.capabilities[id]; match(c) {
			out = append(out, c)
		}
	}
	return out
}

// RegistryStats summarizes the registry contents.
type RegistryStats struct {
	Total      int           `json:"total"`
	ByGroup    map[Group]int `json:"by_group"`
	MCPExposed int           `json:"mcp_exposed"`
	APIExposed int           `json:"api_exposed"`
	Deprecated int           `json:"deprecated"`
}

// Stats returns counts of registered capabilities.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Total:   len(r.capabilities),
		ByGroup: make(map[Group]int),
	}
	for _, c := range r.capabilities {
		stats.ByGroup[c.Group]++
		if c.MCP != nil {
			stats.MCPExposed++
		}
		if c.API != nil {
			stats.APIExposed++
		}
		if c.Deprecated {
			stats.Deprecated++
		}
	}
	return stats
}

// RegistryExport is a serializable snapshot of every registered capability,
// grouped for external documentation tooling.
type RegistryExport struct {
	GeneratedAt  time.Time               `json:"generated_at"`
	Stats        RegistryStats           `json:"stats"`
	Groups       map[Group][]*Capability `json:"groups"`
	Capabilities []*Capability           `json:"capabilities"`
}

// Export serializes the full registry to a structured document.
func (r *Registry) Export() *RegistryExport {
	r.mu.RLock()
	capabilities := r.collect(func(*Capability) bool { return true })
	r.mu.RUnlock()

	export := &RegistryExport{
		GeneratedAt:  time.Now().UTC(),
		Stats:        r.Stats(),
		Groups:       make(map[Group][]*Capability),
		Capabilities: capabilities,
	}
	for _, c := range capabilities {
		export.Groups[c.Group] = append(export.Groups[c.Group], c)
	}
	for _, caps := range export.Groups {
		sort.Slice(caps, func(i, j int) bool { return caps[i].ID < caps[j].ID })
	}
	return export
}
