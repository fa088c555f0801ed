package resources

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps resource type names to providers. Builtin providers are
// registered at startup; the WASM loader registers plugin providers under
// their manifest type names.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider under a resource type name. Registering a type
// twice is an error; use Replace for environment-driven overrides.
func (r *Registry) Register(resourceType string, p Provider) error {
	if resourceType == "" {
		return fmt.Errorf("resource type is required")
	}
	if p == nil {
		return fmt.Errorf("provider for %q is nil", resourceType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[resourceType]; exists {
		return fmt.Errorf("resource type %q already registered", resourceType)
	}
	r.providers[resourceType] = p
	return nil
}

// Replace registers a provider, overriding any existing registration.
func (r *Registry) Replace(resourceType string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[resourceType] = p
}

// Get returns the provider for a resource type.
func (r *Registry) Get(resourceType string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[resourceType]
	if !ok {
		return nil, fmt.Errorf("unknown resource type %q", resourceType)
	}
	return p, nil
}

// Has reports whether a resource type is registered.
func (r *Registry) Has(resourceType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[resourceType]
	return ok
}

// Types returns the registered resource type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.providers))
	for typ := range r.providers {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// ValidateProperties checks resolved properties against a schema: required
// properties present, no unknown properties, basic type agreement. Providers
// call this from Validate before their own checks.
func ValidateProperties(schema *Schema, properties map[string]interface{}) error {
	for name, ps := range schema.Properties {
		value, ok := properties[name]
		if !ok {
			if ps.Required {
				return fmt.Errorf("property %q is required", name)
			}
			continue
		}
		if err := checkPropertyType(name, ps.Type, value); err != nil {
			return err
		}
	}
	for name := range properties {
		if _, ok := schema.Properties[name]; !ok {
			return fmt.Errorf("unknown property %q", name)
		}
	}
	return nil
}

// ApplyDefaults returns properties with schema defaults filled in for
// absent keys. The input map is not modified.
func ApplyDefaults(schema *Schema, properties map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(properties))
	for name, value := range properties {
		out[name] = value
	}
	for name, ps := range schema.Properties {
		if _, ok := out[name]; !ok && ps.Default != nil {
			out[name] = ps.Default
		}
	}
	return out
}

func checkPropertyType(name, typ string, value interface{}) error {
	if value == nil {
		return nil
	}
	ok := true
	switch typ {
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case int, int64, float64:
		default:
			ok = false
		}
	case "boolean":
		_, ok = value.(bool)
	case "list":
		_, ok = value.([]interface{})
	case "map":
		_, ok = value.(map[string]interface{})
	case "":
		// Untyped properties accept anything.
	default:
		return fmt.Errorf("property %q: unknown schema type %q", name, typ)
	}
	if !ok {
		return fmt.Errorf("property %q: expected %s, got %T", name, typ, value)
	}
	return nil
}

// ValidateAll validates one resource's properties through its provider.
// It is a convenience wrapper used by template validation.
func (r *Registry) ValidateAll(ctx context.Context, resourceType, resourceName string, properties map[string]interface{}) error {
	p, err := r.Get(resourceType)
	if err != nil {
		return err
	}
	return p.Validate(ctx, ValidateRequest{
		ResourceName: resourceName,
		Properties:   properties,
	})
}
