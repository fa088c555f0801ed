package builtin

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/calderahq/caldera/pkg/resources"
)

// SoftwareConfigProvider implements software.config: an immutable piece of
// configuration (a script plus declared inputs and outputs) that
// software.deployment resources apply to servers. Every property is
// immutable, so any change replaces the config; deployments referencing it
// then re-run with the new content.
type SoftwareConfigProvider struct{}

// NewSoftwareConfigProvider creates the software.config provider.
func NewSoftwareConfigProvider() *SoftwareConfigProvider {
	return &SoftwareConfigProvider{}
}

func (p *SoftwareConfigProvider) Schema() *resources.Schema {
	return &resources.Schema{
		Type:        "software.config",
		Description: "An immutable software configuration applied by deployments.",
		Properties: map[string]resources.PropertySchema{
			"group": {
				Type:        "string",
				Immutable:   true,
				Default:     "script",
				Description: "Configuration tool group; script runs via the remote agent.",
			},
			"config": {
				Type:        "string",
				Required:    true,
				Immutable:   true,
				Description: "The configuration script body.",
			},
			"inputs": {
				Type:        "list",
				Immutable:   true,
				Description: "Declared input parameters: list of {name, default, description}.",
			},
			"outputs": {
				Type:        "list",
				Immutable:   true,
				Description: "Declared output names the script may report.",
			},
			"options": {
				Type:        "map",
				Immutable:   true,
				Description: "Tool-specific options passed through to the agent.",
			},
		},
		Attributes: []string{"config", "group", "inputs", "outputs"},
	}
}

func (p *SoftwareConfigProvider) Metadata() resources.Metadata {
	return resources.Metadata{Name: "software.config", Version: "1.0.0"}
}

func (p *SoftwareConfigProvider) Validate(_ context.Context, req resources.ValidateRequest) error {
	if err := resources.ValidateProperties(p.Schema(), req.Properties); err != nil {
		return err
	}
	if raw, ok := req.Properties["inputs"]; ok && raw != nil {
		if err := validateIODecls("inputs", raw, true); err != nil {
			return err
		}
	}
	if raw, ok := req.Properties["outputs"]; ok && raw != nil {
		if err := validateIODecls("outputs", raw, false); err != nil {
			return err
		}
	}
	return nil
}

// validateIODecls checks input/output declarations. Each entry is a map
// with a required name; inputs may also carry a default.
func validateIODecls(property string, raw interface{}, allowDefault bool) error {
	decls, ok := raw.([]interface{})
	if !ok {
		return fmt.Errorf("%s must be a list", property)
	}
	seen := make(map[string]bool, len(decls))
	for i, d := range decls {
		decl, ok := d.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%s[%d] must be a map", property, i)
		}
		name, ok := decl["name"].(string)
		if !ok || name == "" {
			return fmt.Errorf("%s[%d] is missing a name", property, i)
		}
		if seen[name] {
			return fmt.Errorf("%s name %q declared twice", property, name)
		}
		seen[name] = true
		for key := range decl {
			switch key {
			case "name", "description", "type":
			case "default":
				if !allowDefault {
					return fmt.Errorf("%s[%d]: outputs cannot declare defaults", property, i)
				}
			default:
				return fmt.Errorf("%s[%d]: unknown key %q", property, i, key)
			}
		}
	}
	return nil
}

func (p *SoftwareConfigProvider) Create(_ context.Context, req resources.CreateRequest) (*resources.CreateResponse, error) {
	return &resources.CreateResponse{
		PhysicalID: uuid.New().String(),
		Attributes: map[string]interface{}{
			"config":  req.Properties["config"],
			"group":   configGroup(req.Properties),
			"inputs":  req.Properties["inputs"],
			"outputs": req.Properties["outputs"],
		},
	}, nil
}

func configGroup(properties map[string]interface{}) string {
	if g, ok := properties["group"].(string); ok && g != "" {
		return g
	}
	return "script"
}

// Update never runs: every property is immutable so the engine replaces
// the resource instead.
func (p *SoftwareConfigProvider) Update(_ context.Context, req resources.UpdateRequest) (*resources.UpdateResponse, error) {
	return nil, fmt.Errorf("software.config %q is immutable and must be replaced", req.ResourceName)
}

func (p *SoftwareConfigProvider) Delete(_ context.Context, _ resources.DeleteRequest) error {
	return nil
}

func (p *SoftwareConfigProvider) Check(_ context.Context, _ resources.CheckRequest) (*resources.CheckResponse, error) {
	return &resources.CheckResponse{Healthy: true}, nil
}

func (p *SoftwareConfigProvider) ResolveAttribute(_ context.Context, req resources.AttributeRequest) (interface{}, error) {
	switch req.Attribute {
	case "config":
		return req.Properties["config"], nil
	case "group":
		return configGroup(req.Properties), nil
	case "inputs":
		return req.Properties["inputs"], nil
	case "outputs":
		return req.Properties["outputs"], nil
	}
	return nil, fmt.Errorf("software.config has no attribute %q", req.Attribute)
}
