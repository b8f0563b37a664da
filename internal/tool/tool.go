package tool

import (
	"context"
	"sort"
	"strings"

	"webchat/gateway/internal/runner"
)

// Tool is one model-invocable executor. Execute never returns a Go error:
// failures come back as {"error": reason} maps so they can be fed to the
// model as ordinary tool results.
type Tool interface {
	Name() string
	Definition() runner.ToolDefinition
	Execute(ctx context.Context, args map[string]interface{}) map[string]interface{}
}

// Registry maps tool names to executors. Schema-only entries (clarify) are
// advertised to the model but have no executor.
type Registry struct {
	tools   map[string]Tool
	schemas map[string]runner.ToolDefinition
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   map[string]Tool{},
		schemas: map[string]runner.ToolDefinition{},
	}
}

func (r *Registry) Register(t Tool) {
	if t == nil {
		return
	}
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return
	}
	r.tools[name] = t
}

func (r *Registry) RegisterSchema(def runner.ToolDefinition) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return
	}
	r.schemas[name] = def
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[strings.TrimSpace(name)]
	return t, ok
}

// Definitions lists every advertised tool, sorted by name for a stable
// request payload.
func (r *Registry) Definitions() []runner.ToolDefinition {
	out := make([]runner.ToolDefinition, 0, len(r.tools)+len(r.schemas))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	for name, def := range r.schemas {
		if _, shadowed := r.tools[name]; shadowed {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func errorResult(reason string) map[string]interface{} {
	return map[string]interface{}{"error": reason}
}

func stringArg(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	value, ok := args[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
