package engine

import (
	"fmt"
	"reflect"

	"github.com/calderahq/caldera/pkg/resources"
	"github.com/calderahq/caldera/pkg/stack"
	"github.com/calderahq/caldera/pkg/template"
)

// Operation is what an update does to one resource.
type Operation string

const (
	// OpCreate provisions a resource that does not exist yet.
	OpCreate Operation = "create"

	// OpUpdate converges an existing resource in place.
	OpUpdate Operation = "update"

	// OpReplace provisions a new physical resource and removes the old
	// one. Forced by a type change or an immutable-property change.
	OpReplace Operation = "replace"

	// OpDelete removes a resource absent from the new template.
	OpDelete Operation = "delete"

	// OpNoop leaves an unchanged resource alone.
	OpNoop Operation = "noop"
)

// DesiredResource is the resolved desired state of one resource in the
// new template.
type DesiredResource struct {
	Name           string
	Type           string
	Properties     map[string]interface{}
	Metadata       map[string]interface{}
	Hash           string
	DeletionPolicy template.DeletionPolicy
	Definition     *template.ResourceDefinition
}

// ResourceChange is the planned operation for one resource.
type ResourceChange struct {
	Name string
	Op   Operation

	// Reason explains a replace decision.
	Reason string

	// ReplaceCreateFirst selects create-before-delete replacement, from
	// the provider schema.
	ReplaceCreateFirst bool

	// Desired is nil for deletes.
	Desired *DesiredResource
}

// PlanUpdate compares a stack's current resources with the resolved
// desired state and decides a per-resource operation. The schema lookup
// supplies immutability and replacement hints; a nil schema falls back to
// update-in-place for any property change.
func PlanUpdate(
	current map[string]*stack.Resource,
	desired map[string]*DesiredResource,
	schema func(resourceType string) *resources.Schema,
) map[string]*ResourceChange {
	changes := make(map[string]*ResourceChange, len(desired)+len(current))

	for name, want := range desired {
		have, exists := current[name]
		if !exists || (have.PhysicalID == "" && !have.IsExternal()) {
			changes[name] = &ResourceChange{Name: name, Op: OpCreate, Desired: want}
			continue
		}

		if have.DefinitionHash == want.Hash {
			changes[name] = &ResourceChange{Name: name, Op: OpNoop, Desired: want}
			continue
		}

		change := &ResourceChange{Name: name, Op: OpUpdate, Desired: want}
		if have.Type != want.Type {
			change.Op = OpReplace
			change.Reason = fmt.Sprintf("type changed from %s to %s", have.Type, want.Type)
		} else if s := schema(want.Type); s != nil {
			if prop := changedImmutableProperty(s, have.Properties, want.Properties); prop != "" {
				change.Op = OpReplace
				change.Reason = fmt.Sprintf("immutable property %q changed", prop)
			}
			change.ReplaceCreateFirst = s.ReplaceCreateFirst
		}
		changes[name] = change
	}

	for name := range current {
		if _, keeps := desired[name]; !keeps {
			changes[name] = &ResourceChange{Name: name, Op: OpDelete}
		}
	}

	return changes
}

// changedImmutableProperty returns the first immutable property whose
// value differs between the old and new resolved properties.
func changedImmutableProperty(s *resources.Schema, old, next map[string]interface{}) string {
	for name, ps := range s.Properties {
		if !ps.Immutable {
			continue
		}
		if !reflect.DeepEqual(old[name], next[name]) {
			return name
		}
	}
	return ""
}

// Summary counts planned operations, for events and logs.
func Summary(changes map[string]*ResourceChange) map[Operation]int {
	out := make(map[Operation]int)
	for _, c := range changes {
		out[c.Op]++
	}
	return out
}
