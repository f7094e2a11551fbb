// Package registry holds the immutable, process-wide mapping from tool name
// to its descriptor. The set is built once at startup and never changes.
package registry

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/mattjoyce/agentbridge/internal/config"
	"github.com/mattjoyce/agentbridge/internal/protocol"
	"github.com/mattjoyce/agentbridge/internal/validate"
)

// Descriptor is the static metadata plus execution configuration for one tool.
type Descriptor struct {
	Name        string
	Description string
	// Schema lists validation rules in declared order.
	Schema []validate.Rule
	// Defaults are merged under the raw arguments before validation.
	Defaults map[string]any

	Interpreter string
	Script      string
	WorkDir     string
	Timeout     time.Duration
	Env         map[string]string
}

// Registry maps tool names to descriptors.
type Registry struct {
	tools map[string]*Descriptor
	order []string
}

// Build constructs the registry from configuration. Paths are resolved against
// the workspace root; relative interpreters fall back to the workspace default.
func Build(cfg *config.Config) (*Registry, error) {
	r := &Registry{tools: make(map[string]*Descriptor, len(cfg.Agents))}

	for name, agent := range cfg.Agents {
		interpreter := agent.Interpreter
		if interpreter == "" {
			interpreter = cfg.Workspace.Interpreter
		}
		if !filepath.IsAbs(interpreter) {
			interpreter = filepath.Join(cfg.Workspace.Path, interpreter)
		}

		script := agent.Script
		if !filepath.IsAbs(script) {
			script = filepath.Join(cfg.Workspace.Path, script)
		}

		schema, err := buildSchema(agent.Params)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", name, err)
		}

		r.tools[name] = &Descriptor{
			Name:        name,
			Description: agent.Description,
			Schema:      schema,
			Defaults:    agent.Defaults,
			Interpreter: interpreter,
			Script:      script,
			WorkDir:     cfg.Workspace.Path,
			Timeout:     agent.EffectiveTimeout(),
			Env:         agent.Env,
		}
		r.order = append(r.order, name)
	}

	sort.Strings(r.order)
	return r, nil
}

// Get returns the descriptor for a tool name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.tools[name]
	return d, ok
}

// Names returns all tool names in stable order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// List renders the registry for a tools/list response.
func (r *Registry) List() []protocol.ToolInfo {
	out := make([]protocol.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		d := r.tools[name]
		out = append(out, protocol.ToolInfo{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema(),
		})
	}
	return out
}

// InputSchema renders the descriptor's rules as a JSON-schema shaped object.
func (d *Descriptor) InputSchema() map[string]any {
	properties := make(map[string]any, len(d.Schema))
	var required []string

	for _, rule := range d.Schema {
		prop := map[string]any{}
		switch rule.Kind {
		case validate.KindString:
			prop["type"] = "string"
			if rule.Pattern != nil {
				prop["pattern"] = rule.Pattern.String()
			}
			if rule.MaxLength > 0 {
				prop["maxLength"] = rule.MaxLength
			}
		case validate.KindInteger:
			prop["type"] = "integer"
			if rule.Min != 0 || rule.Max != 0 {
				prop["minimum"] = rule.Min
				prop["maximum"] = rule.Max
			}
		case validate.KindEnumArray:
			prop["type"] = "array"
			prop["items"] = map[string]any{"type": "string", "enum": rule.Allowed}
		case validate.KindBoolean:
			prop["type"] = "boolean"
		}
		properties[rule.Field] = prop
		if rule.Required {
			required = append(required, rule.Field)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func buildSchema(params []config.ParamSpec) ([]validate.Rule, error) {
	rules := make([]validate.Rule, 0, len(params))
	for _, p := range params {
		rule := validate.Rule{
			Field:     p.Name,
			Kind:      validate.Kind(p.Type),
			Required:  p.Required,
			Min:       p.Min,
			Max:       p.Max,
			MaxLength: p.MaxLen,
			Allowed:   p.Allowed,
			Flag:      p.Flag,
		}
		if p.Pattern != "" {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return nil, fmt.Errorf("param %q: invalid pattern: %w", p.Name, err)
			}
			rule.Pattern = re
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
