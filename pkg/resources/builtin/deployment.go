package builtin

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/calderahq/caldera/pkg/resources"
)

// Deployer runs a configuration script on a remote server and reports the
// outcome. The SSH agent client implements it; tests substitute fakes.
type Deployer interface {
	Deploy(ctx context.Context, req DeployRequest) (*DeployResult, error)
}

// DeployRequest describes one script run on one server.
type DeployRequest struct {
	// Server holds connection details: host (required), port, user,
	// private_key or password.
	Server map[string]interface{} `json:"server"`

	// Script is the configuration body to execute.
	Script string `json:"script"`

	// Inputs are exported to the script as environment variables.
	Inputs map[string]interface{} `json:"inputs,omitempty"`

	// Outputs lists the names the script may report back.
	Outputs []string `json:"outputs,omitempty"`

	// Options are tool-specific settings passed through to the agent.
	Options map[string]interface{} `json:"options,omitempty"`

	// Action is the stack action that triggered the run.
	Action string `json:"action"`
}

// DeployResult reports one finished script run.
type DeployResult struct {
	Stdout     string                 `json:"stdout"`
	Stderr     string                 `json:"stderr"`
	StatusCode int                    `json:"status_code"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
}

// DeploymentProvider implements software.deployment: it applies a
// software.config to a server whenever the deployment is created or
// updated, and exposes the run's stdout, stderr and status code as
// attributes.
type DeploymentProvider struct {
	deployer Deployer
}

// NewDeploymentProvider creates the software.deployment provider around a
// concrete deployer.
func NewDeploymentProvider(d Deployer) *DeploymentProvider {
	return &DeploymentProvider{deployer: d}
}

func (p *DeploymentProvider) Schema() *resources.Schema {
	return &resources.Schema{
		Type:        "software.deployment",
		Description: "Applies a software configuration to a server.",
		Properties: map[string]resources.PropertySchema{
			"config": {
				Type:        "string",
				Required:    true,
				Description: "The configuration script, typically wired from a software.config resource.",
			},
			"server": {
				Type:        "map",
				Required:    true,
				Immutable:   true,
				Description: "Connection details: host (required), port, user, private_key or password.",
			},
			"input_values": {
				Type:        "map",
				Description: "Values exported to the script as environment variables.",
			},
			"outputs": {
				Type:        "list",
				Description: "Output names the script may report.",
			},
			"options": {
				Type:        "map",
				Description: "Tool-specific options passed through to the agent.",
			},
			"actions": {
				Type:        "list",
				Default:     []interface{}{"CREATE", "UPDATE"},
				Description: "Stack actions that trigger a run; DELETE may be added for teardown hooks.",
			},
		},
		Attributes: []string{"deploy_stdout", "deploy_stderr", "deploy_status_code", "outputs"},
	}
}

func (p *DeploymentProvider) Metadata() resources.Metadata {
	return resources.Metadata{Name: "software.deployment", Version: "1.0.0"}
}

func (p *DeploymentProvider) Validate(_ context.Context, req resources.ValidateRequest) error {
	if err := resources.ValidateProperties(p.Schema(), req.Properties); err != nil {
		return err
	}
	server, _ := req.Properties["server"].(map[string]interface{})
	if host, _ := server["host"].(string); host == "" {
		return fmt.Errorf("server.host is required")
	}
	if raw, ok := req.Properties["actions"]; ok && raw != nil {
		actions, ok := raw.([]interface{})
		if !ok {
			return fmt.Errorf("actions must be a list")
		}
		for _, a := range actions {
			switch a {
			case "CREATE", "UPDATE", "DELETE":
			default:
				return fmt.Errorf("invalid deployment action %v", a)
			}
		}
	}
	return nil
}

func (p *DeploymentProvider) Create(ctx context.Context, req resources.CreateRequest) (*resources.CreateResponse, error) {
	attrs, err := p.run(ctx, "CREATE", req.Properties)
	if err != nil {
		return nil, err
	}
	return &resources.CreateResponse{
		PhysicalID: uuid.New().String(),
		Attributes: attrs,
	}, nil
}

func (p *DeploymentProvider) Update(ctx context.Context, req resources.UpdateRequest) (*resources.UpdateResponse, error) {
	attrs, err := p.run(ctx, "UPDATE", req.Properties)
	if err != nil {
		return nil, err
	}
	return &resources.UpdateResponse{
		PhysicalID: req.PhysicalID,
		Attributes: attrs,
	}, nil
}

func (p *DeploymentProvider) Delete(ctx context.Context, req resources.DeleteRequest) error {
	// Teardown runs only when the template opted in via actions.
	_, err := p.run(ctx, "DELETE", req.Properties)
	return err
}

// run executes the configured script when action is among the triggering
// actions, returning the resulting attributes. Non-triggering actions
// return nil attributes without contacting the server.
func (p *DeploymentProvider) run(ctx context.Context, action string, properties map[string]interface{}) (map[string]interface{}, error) {
	if !p.triggers(action, properties) {
		return nil, nil
	}
	if p.deployer == nil {
		return nil, fmt.Errorf("no deployer configured for software.deployment")
	}

	script, _ := properties["config"].(string)
	server, _ := properties["server"].(map[string]interface{})
	inputs, _ := properties["input_values"].(map[string]interface{})
	options, _ := properties["options"].(map[string]interface{})

	var outputs []string
	if raw, ok := properties["outputs"].([]interface{}); ok {
		for _, o := range raw {
			if name, ok := o.(string); ok {
				outputs = append(outputs, name)
			}
		}
	}

	result, err := p.deployer.Deploy(ctx, DeployRequest{
		Server:  server,
		Script:  script,
		Inputs:  inputs,
		Outputs: outputs,
		Options: options,
		Action:  action,
	})
	if err != nil {
		return nil, fmt.Errorf("deployment failed: %w", err)
	}
	if result.StatusCode != 0 {
		return nil, fmt.Errorf("deployment exited with status %d: %s", result.StatusCode, result.Stderr)
	}

	attrs := map[string]interface{}{
		"deploy_stdout":      result.Stdout,
		"deploy_stderr":      result.Stderr,
		"deploy_status_code": result.StatusCode,
	}
	if result.Outputs != nil {
		attrs["outputs"] = result.Outputs
	}
	return attrs, nil
}

func (p *DeploymentProvider) triggers(action string, properties map[string]interface{}) bool {
	raw, ok := properties["actions"]
	if !ok || raw == nil {
		return action == "CREATE" || action == "UPDATE"
	}
	actions, ok := raw.([]interface{})
	if !ok {
		return false
	}
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

func (p *DeploymentProvider) Check(ctx context.Context, req resources.CheckRequest) (*resources.CheckResponse, error) {
	return &resources.CheckResponse{Healthy: true}, nil
}

func (p *DeploymentProvider) ResolveAttribute(_ context.Context, req resources.AttributeRequest) (interface{}, error) {
	return nil, fmt.Errorf("software.deployment attribute %q is only available from the stored record", req.Attribute)
}
