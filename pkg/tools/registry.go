package tools

import (
	"encoding/json"
	"log/slog"

	"github.com/zyr3x/opengemini/pkg/mcp"
	"github.com/zyr3x/opengemini/pkg/upstream"
)

// Registry maps tool names to definitions. Built-ins register first;
// external servers are added in pool priority order, and on a name
// collision the earlier registration wins.
type Registry struct {
	defs     map[string]Definition
	order    []string
	maxDecls int
	disabled bool
}

// NewRegistry creates a registry capped at maxDecls advertised
// declarations (0 means no cap).
func NewRegistry(maxDecls int) *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		maxDecls: maxDecls,
	}
}

// Disable empties the advertised tool set while keeping registrations, for
// the disable-all-tools switch.
func (r *Registry) Disable() {
	r.disabled = true
}

// RegisterBuiltins adds the in-process tool set.
func (r *Registry) RegisterBuiltins(defs []Definition) {
	for _, def := range defs {
		r.register(def)
	}
}

// RegisterExternal adds one server's probed tools. External declarations
// pass the server schema through untouched so the model sees what the
// server advertised.
func (r *Registry) RegisterExternal(serverID string, tools []mcp.Tool) {
	for _, tool := range tools {
		def := Definition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  rawSchemaToMap(tool.InputSchema),
			ServerID:    serverID,
			Cacheable:   true,
		}
		r.register(def)
	}
}

func (r *Registry) register(def Definition) {
	if existing, ok := r.defs[def.Name]; ok {
		slog.Warn("Tool name collision, keeping first registration",
			"tool", def.Name, "kept", existing.ServerID, "dropped", def.ServerID)
		return
	}
	r.defs[def.Name] = def
	r.order = append(r.order, def.Name)
}

// Lookup returns the definition for a tool name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Declarations renders the advertised tool set. A non-empty selection
// narrows it to the named tools; the declaration cap applies after
// selection.
func (r *Registry) Declarations(selected []string) []upstream.FunctionDeclaration {
	if r.disabled {
		return nil
	}

	var keep map[string]bool
	if len(selected) > 0 {
		keep = make(map[string]bool, len(selected))
		for _, name := range selected {
			keep[name] = true
		}
	}

	var out []upstream.FunctionDeclaration
	for _, name := range r.order {
		if keep != nil && !keep[name] {
			continue
		}
		if r.maxDecls > 0 && len(out) >= r.maxDecls {
			slog.Warn("Tool declaration cap reached, remaining tools not advertised",
				"cap", r.maxDecls)
			break
		}
		def := r.defs[name]
		out = append(out, upstream.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return out
}

// rawSchemaToMap decodes an external input schema; a missing or mangled
// schema becomes a permissive object.
func rawSchemaToMap(raw json.RawMessage) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		slog.Warn("Unparseable tool input schema, substituting permissive object", "error", err)
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return out
}
