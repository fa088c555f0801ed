package builtin

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/calderahq/caldera/pkg/resources"
)

// ValueProvider implements core.value: it stores a value and exposes it
// back as the "value" attribute, letting templates route data through the
// dependency graph.
type ValueProvider struct{}

// NewValueProvider creates the core.value provider.
func NewValueProvider() *ValueProvider {
	return &ValueProvider{}
}

func (p *ValueProvider) Schema() *resources.Schema {
	return &resources.Schema{
		Type:        "core.value",
		Description: "Stores a value and exposes it as an attribute.",
		Properties: map[string]resources.PropertySchema{
			"value": {
				Required:    true,
				Description: "The value to store; any type.",
			},
			"type_constraint": {
				Type:        "string",
				Description: "Optional expected type: string, number, boolean, list or map.",
			},
		},
		Attributes: []string{"value"},
	}
}

func (p *ValueProvider) Metadata() resources.Metadata {
	return resources.Metadata{Name: "core.value", Version: "1.0.0"}
}

func (p *ValueProvider) Validate(_ context.Context, req resources.ValidateRequest) error {
	if err := resources.ValidateProperties(p.Schema(), req.Properties); err != nil {
		return err
	}
	if tc, ok := req.Properties["type_constraint"].(string); ok && tc != "" {
		if err := checkValueType(tc, req.Properties["value"]); err != nil {
			return err
		}
	}
	return nil
}

func checkValueType(expected string, value interface{}) error {
	ok := true
	switch expected {
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
	default:
		return fmt.Errorf("invalid type_constraint %q", expected)
	}
	if !ok {
		return fmt.Errorf("value does not satisfy type_constraint %q", expected)
	}
	return nil
}

func (p *ValueProvider) Create(_ context.Context, req resources.CreateRequest) (*resources.CreateResponse, error) {
	return &resources.CreateResponse{
		PhysicalID: uuid.New().String(),
		Attributes: map[string]interface{}{"value": req.Properties["value"]},
	}, nil
}

func (p *ValueProvider) Update(_ context.Context, req resources.UpdateRequest) (*resources.UpdateResponse, error) {
	return &resources.UpdateResponse{
		PhysicalID: req.PhysicalID,
		Attributes: map[string]interface{}{"value": req.Properties["value"]},
	}, nil
}

func (p *ValueProvider) Delete(_ context.Context, _ resources.DeleteRequest) error {
	return nil
}

func (p *ValueProvider) Check(_ context.Context, _ resources.CheckRequest) (*resources.CheckResponse, error) {
	return &resources.CheckResponse{Healthy: true}, nil
}

func (p *ValueProvider) ResolveAttribute(_ context.Context, req resources.AttributeRequest) (interface{}, error) {
	if req.Attribute != "value" {
		return nil, fmt.Errorf("core.value has no attribute %q", req.Attribute)
	}
	return req.Properties["value"], nil
}
