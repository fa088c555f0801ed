package stack

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/calderahq/caldera/pkg/template"
)

// Resource is the runtime record of one template resource within a stack.
type Resource struct {
	// Name is the resource's name in the template.
	Name string `json:"name"`

	// Type is the provider type after environment registry remapping.
	Type string `json:"type"`

	// State is the current (action, status) pair.
	State State `json:"state"`

	// StatusReason explains how the resource reached its current state.
	StatusReason string `json:"status_reason,omitempty"`

	// PhysicalID identifies the provisioned resource at the provider.
	PhysicalID string `json:"physical_id,omitempty"`

	// Properties are the resolved property values from the last action.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// Attributes are provider-reported values exposed to get_attr.
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	// DefinitionHash is the hash of the resolved definition, used for
	// update diffing.
	DefinitionHash string `json:"definition_hash,omitempty"`

	// DeletionPolicy is carried from the template definition.
	DeletionPolicy template.DeletionPolicy `json:"deletion_policy"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// stack is the owning stack, for identity in errors.
	stack *Stack

	// Definition is the template definition this record was built from.
	Definition *template.ResourceDefinition `json:"-"`
}

// NewResource builds the initial record for a template resource definition.
func NewResource(s *Stack, def *template.ResourceDefinition) *Resource {
	now := time.Now().UTC()
	r := &Resource{
		Name:           def.Name,
		Type:           def.Type,
		State:          NewState(),
		DeletionPolicy: def.DeletionPolicy,
		Attributes:     make(map[string]interface{}),
		CreatedAt:      now,
		UpdatedAt:      now,
		stack:          s,
		Definition:     def,
	}
	if s != nil && s.Environment != nil {
		r.Type = s.Environment.RemapType(def.Type)
	}
	if def.ExternalID != "" {
		// Externally managed resources adopt the given physical ID and
		// are never created or deleted by the engine.
		r.PhysicalID = def.ExternalID
		r.State = State{Action: ActionCreate, Status: StatusComplete}
	}
	return r
}

// SetState transitions the resource and records the reason.
func (r *Resource) SetState(action Action, status Status, reason string) {
	r.State = State{Action: action, Status: status}
	r.StatusReason = reason
	r.UpdatedAt = time.Now().UTC()
}

// IsExternal reports whether the resource adopts a pre-existing physical
// resource via external_id.
func (r *Resource) IsExternal() bool {
	return r.Definition != nil && r.Definition.ExternalID != ""
}

// Attribute resolves a get_attr path against the resource's attributes.
// An empty path returns the whole attribute map.
func (r *Resource) Attribute(path []interface{}) (interface{}, error) {
	if len(path) == 0 {
		return r.Attributes, nil
	}
	key := fmt.Sprintf("%v", path[0])
	value, ok := r.Attributes[key]
	if !ok {
		return nil, fmt.Errorf("resource %q has no attribute %q", r.Name, key)
	}
	return attributeSubPath(r.Name, value, path[1:])
}

func attributeSubPath(name string, value interface{}, path []interface{}) (interface{}, error) {
	for _, step := range path {
		switch container := value.(type) {
		case map[string]interface{}:
			key := fmt.Sprintf("%v", step)
			sub, ok := container[key]
			if !ok {
				return nil, fmt.Errorf("resource %q attribute path: key %q not found", name, key)
			}
			value = sub
		case []interface{}:
			idx, ok := step.(int)
			if !ok {
				if f, isFloat := step.(float64); isFloat {
					idx = int(f)
					ok = true
				}
			}
			if !ok {
				return nil, fmt.Errorf("resource %q attribute path: index %v is not an integer", name, step)
			}
			if idx < 0 || idx >= len(container) {
				return nil, fmt.Errorf("resource %q attribute path: index %d out of range", name, idx)
			}
			value = container[idx]
		default:
			return nil, fmt.Errorf("resource %q attribute path: cannot index %T", name, value)
		}
	}
	return value, nil
}

// HashDefinition computes the canonical hash of a resolved resource
// definition. Two definitions hash equal exactly when an update would be a
// no-op for the resource.
func HashDefinition(resourceType string, properties, metadata map[string]interface{}) string {
	payload := map[string]interface{}{
		"type":       resourceType,
		"properties": properties,
		"metadata":   metadata,
	}
	h := sha256.Sum256(canonicalJSON(payload))
	return hex.EncodeToString(h[:])
}

// canonicalJSON renders a value with sorted map keys so hashes are stable.
func canonicalJSON(v interface{}) []byte {
	out, err := json.Marshal(normalize(v))
	if err != nil {
		return []byte(fmt.Sprintf("%v", v))
	}
	return out
}

// normalize rebuilds maps so encoding/json emits keys in sorted order and
// numeric types compare stably.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		// encoding/json sorts map keys itself; normalizing values is
		// what matters here.
		out := make(map[string]interface{}, len(val))
		for _, k := range keys {
			out[k] = normalize(val[k])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return v
	}
}
