package template

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Environment supplies deployment-specific input for a stack: parameter
// values, parameter defaults, and a resource type registry.
type Environment struct {
	// Parameters are explicit user parameter values.
	Parameters map[string]interface{}

	// ParameterDefaults fill in missing values but never override
	// explicit Parameters.
	ParameterDefaults map[string]interface{}

	// ResourceRegistry maps template resource type names to provider
	// type names.
	ResourceRegistry map[string]string
}

var knownEnvSections = map[string]bool{
	"parameters":         true,
	"parameter_defaults": true,
	"resource_registry":  true,
}

// ParseEnvironment parses a YAML environment document.
func ParseEnvironment(raw []byte) (*Environment, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse environment YAML: %w", err)
	}

	env := NewEnvironment()
	if doc == nil {
		return env, nil
	}

	for key := range doc {
		if !knownEnvSections[key] {
			return nil, fmt.Errorf("unknown environment section %q", key)
		}
	}

	if params, ok := doc["parameters"]; ok {
		m, err := asSectionMap("parameters", params)
		if err != nil {
			return nil, err
		}
		env.Parameters = m
	}

	if defaults, ok := doc["parameter_defaults"]; ok {
		m, err := asSectionMap("parameter_defaults", defaults)
		if err != nil {
			return nil, err
		}
		env.ParameterDefaults = m
	}

	if registry, ok := doc["resource_registry"]; ok {
		m, err := asSectionMap("resource_registry", registry)
		if err != nil {
			return nil, err
		}
		for typ, target := range m {
			s, ok := target.(string)
			if !ok {
				return nil, fmt.Errorf("resource_registry entry %q must map to a type name", typ)
			}
			env.ResourceRegistry[typ] = s
		}
	}

	return env, nil
}

// NewEnvironment returns an empty environment.
func NewEnvironment() *Environment {
	return &Environment{
		Parameters:        make(map[string]interface{}),
		ParameterDefaults: make(map[string]interface{}),
		ResourceRegistry:  make(map[string]string),
	}
}

// MergeEnvironments merges environments left to right; later entries win.
func MergeEnvironments(envs ...*Environment) *Environment {
	merged := NewEnvironment()
	for _, env := range envs {
		if env == nil {
			continue
		}
		for name, value := range env.Parameters {
			merged.Parameters[name] = value
		}
		for name, value := range env.ParameterDefaults {
			merged.ParameterDefaults[name] = value
		}
		for typ, target := range env.ResourceRegistry {
			merged.ResourceRegistry[typ] = target
		}
	}
	return merged
}

// RemapType resolves a template resource type through the registry,
// following chained aliases. Unmapped types pass through unchanged.
func (e *Environment) RemapType(typ string) string {
	seen := map[string]bool{typ: true}
	for {
		target, ok := e.ResourceRegistry[typ]
		if !ok {
			return typ
		}
		if seen[target] {
			// Alias cycle; stop at the last stable name.
			return typ
		}
		seen[target] = true
		typ = target
	}
}
