package resources

import (
	"context"
	"time"
)

// Provider implements the lifecycle of one resource type. The engine calls
// providers through this interface whether they are compiled in (builtin)
// or loaded as WASM plugins.
type Provider interface {
	// Validate checks resolved properties against the provider's schema
	// before any stack operation starts.
	Validate(ctx context.Context, req ValidateRequest) error

	// Create provisions a new physical resource.
	Create(ctx context.Context, req CreateRequest) (*CreateResponse, error)

	// Update converges an existing resource onto new properties.
	Update(ctx context.Context, req UpdateRequest) (*UpdateResponse, error)

	// Delete removes the physical resource. Deleting an already-absent
	// resource is not an error.
	Delete(ctx context.Context, req DeleteRequest) error

	// Check verifies the physical resource still exists and matches its
	// recorded state.
	Check(ctx context.Context, req CheckRequest) (*CheckResponse, error)

	// ResolveAttribute resolves a named attribute from the resource's
	// live state.
	ResolveAttribute(ctx context.Context, req AttributeRequest) (interface{}, error)

	// Schema describes the provider's properties and attributes.
	Schema() *Schema

	// Metadata returns provider identity.
	Metadata() Metadata
}

// ValidateRequest carries resolved properties for schema validation.
type ValidateRequest struct {
	ResourceName string                 `json:"resource_name"`
	Properties   map[string]interface{} `json:"properties"`
}

// CreateRequest asks the provider to provision a resource.
type CreateRequest struct {
	StackID      string                 `json:"stack_id"`
	StackName    string                 `json:"stack_name"`
	ResourceName string                 `json:"resource_name"`
	Properties   map[string]interface{} `json:"properties"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// CreateResponse reports the provisioned resource.
type CreateResponse struct {
	// PhysicalID identifies the resource at the provider.
	PhysicalID string `json:"physical_id"`

	// Attributes are the provider-reported values exposed to get_attr.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// UpdateRequest asks the provider to converge an existing resource.
type UpdateRequest struct {
	StackID       string                 `json:"stack_id"`
	StackName     string                 `json:"stack_name"`
	ResourceName  string                 `json:"resource_name"`
	PhysicalID    string                 `json:"physical_id"`
	OldProperties map[string]interface{} `json:"old_properties"`
	Properties    map[string]interface{} `json:"properties"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// UpdateResponse reports the updated resource.
type UpdateResponse struct {
	// PhysicalID may change when the provider reprovisions internally.
	PhysicalID string `json:"physical_id"`

	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// DeleteRequest asks the provider to remove a resource.
type DeleteRequest struct {
	StackID      string                 `json:"stack_id"`
	ResourceName string                 `json:"resource_name"`
	PhysicalID   string                 `json:"physical_id"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
}

// CheckRequest asks the provider to verify a resource.
type CheckRequest struct {
	StackID      string                 `json:"stack_id"`
	ResourceName string                 `json:"resource_name"`
	PhysicalID   string                 `json:"physical_id"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
}

// CheckResponse reports the verification result.
type CheckResponse struct {
	// Healthy is true when the resource exists and matches its record.
	Healthy bool `json:"healthy"`

	// Reason explains an unhealthy result.
	Reason string `json:"reason,omitempty"`

	// Attributes are refreshed attribute values, if the provider
	// re-read them.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// AttributeRequest resolves one attribute of a live resource.
type AttributeRequest struct {
	ResourceName string                 `json:"resource_name"`
	PhysicalID   string                 `json:"physical_id"`
	Attribute    string                 `json:"attribute"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
}

// PropertySchema describes one property of a resource type.
type PropertySchema struct {
	// Type is the expected value type: string, number, boolean, list, map.
	Type string `json:"type"`

	// Required properties must be present at validation time.
	Required bool `json:"required,omitempty"`

	// Immutable properties force replacement when changed by an update.
	Immutable bool `json:"immutable,omitempty"`

	// Default is applied when the property is absent.
	Default interface{} `json:"default,omitempty"`

	Description string `json:"description,omitempty"`
}

// Schema describes a resource type: its properties, attributes and
// replacement behavior.
type Schema struct {
	// Type is the resource type name.
	Type string `json:"type"`

	Description string `json:"description,omitempty"`

	// Properties maps property names to their schemas.
	Properties map[string]PropertySchema `json:"properties,omitempty"`

	// Attributes lists the attribute names get_attr may resolve.
	Attributes []string `json:"attributes,omitempty"`

	// ReplaceCreateFirst selects create-before-delete replacement. A
	// provider whose resources hold unique names must leave this false.
	ReplaceCreateFirst bool `json:"replace_create_first,omitempty"`
}

// Metadata identifies a provider.
type Metadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
}

// DefaultOperationTimeout bounds a single provider call when the engine
// specifies nothing tighter.
const DefaultOperationTimeout = 5 * time.Minute
