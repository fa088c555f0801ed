package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/calderahq/caldera/pkg/stack"
	"github.com/calderahq/caldera/pkg/stores"
	"github.com/calderahq/caldera/pkg/template"
)

// envDoc is the persisted JSON form of a merged environment.
type envDoc struct {
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
	ParameterDefaults map[string]interface{} `json:"parameter_defaults,omitempty"`
	ResourceRegistry  map[string]string      `json:"resource_registry,omitempty"`
}

// defDoc is the persisted JSON form of a resource definition. Definitions
// are stored per resource so a resource removed from the template keeps its
// definition until it is deleted.
type defDoc struct {
	Name           string                 `json:"name"`
	Type           string                 `json:"type"`
	Properties     map[string]interface{} `json:"properties,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	DependsOn      []string               `json:"depends_on,omitempty"`
	DeletionPolicy string                 `json:"deletion_policy,omitempty"`
	Condition      string                 `json:"condition,omitempty"`
	ExternalID     string                 `json:"external_id,omitempty"`
}

func marshalJSONField(v interface{}) (*string, error) {
	if v == nil {
		return nil, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(out)
	return &s, nil
}

func stackToRecord(s *stack.Stack) (*stores.StackRecord, error) {
	rec := &stores.StackRecord{
		ID:              s.ID,
		Name:            s.Name,
		Action:          string(s.State.Action),
		Status:          string(s.State.Status),
		StatusReason:    s.StatusReason,
		Template:        string(s.Template.Raw),
		TimeoutSecs:     int(s.Timeout / time.Second),
		DisableRollback: s.DisableRollback,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		DeletedAt:       s.DeletedAt,
	}

	var err error
	if s.Environment != nil {
		rec.Environment, err = marshalJSONField(envDoc{
			Parameters:        s.Environment.Parameters,
			ParameterDefaults: s.Environment.ParameterDefaults,
			ResourceRegistry:  s.Environment.ResourceRegistry,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal environment: %w", err)
		}
	}
	if len(s.Parameters) > 0 {
		if rec.Parameters, err = marshalJSONField(s.Parameters); err != nil {
			return nil, fmt.Errorf("marshal parameters: %w", err)
		}
	}
	if len(s.Files) > 0 {
		if rec.Files, err = marshalJSONField(s.Files); err != nil {
			return nil, fmt.Errorf("marshal files: %w", err)
		}
	}
	if len(s.Outputs) > 0 {
		if rec.Outputs, err = marshalJSONField(s.Outputs); err != nil {
			return nil, fmt.Errorf("marshal outputs: %w", err)
		}
	}
	if len(s.Tags) > 0 {
		if rec.Tags, err = marshalJSONField(s.Tags); err != nil {
			return nil, fmt.Errorf("marshal tags: %w", err)
		}
	}
	return rec, nil
}

func stackFromRecord(rec *stores.StackRecord, resourceRecs []*stores.ResourceRecord) (*stack.Stack, error) {
	tpl, err := template.Parse([]byte(rec.Template))
	if err != nil {
		return nil, fmt.Errorf("stack %s: stored template: %w", rec.ID, err)
	}

	s := &stack.Stack{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: tpl.Description,
		State: stack.State{
			Action: stack.Action(rec.Action),
			Status: stack.Status(rec.Status),
		},
		StatusReason:    rec.StatusReason,
		Template:        tpl,
		Parameters:      make(map[string]interface{}),
		Resources:       make(map[string]*stack.Resource),
		Outputs:         make(map[string]interface{}),
		Timeout:         time.Duration(rec.TimeoutSecs) * time.Second,
		DisableRollback: rec.DisableRollback,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		DeletedAt:       rec.DeletedAt,
	}

	if rec.Environment != nil {
		var doc envDoc
		if err := json.Unmarshal([]byte(*rec.Environment), &doc); err != nil {
			return nil, fmt.Errorf("stack %s: stored environment: %w", rec.ID, err)
		}
		env := template.NewEnvironment()
		if doc.Parameters != nil {
			env.Parameters = doc.Parameters
		}
		if doc.ParameterDefaults != nil {
			env.ParameterDefaults = doc.ParameterDefaults
		}
		if doc.ResourceRegistry != nil {
			env.ResourceRegistry = doc.ResourceRegistry
		}
		s.Environment = env
	}
	if rec.Parameters != nil {
		if err := json.Unmarshal([]byte(*rec.Parameters), &s.Parameters); err != nil {
			return nil, fmt.Errorf("stack %s: stored parameters: %w", rec.ID, err)
		}
	}
	if rec.Files != nil {
		if err := json.Unmarshal([]byte(*rec.Files), &s.Files); err != nil {
			return nil, fmt.Errorf("stack %s: stored files: %w", rec.ID, err)
		}
	}
	if rec.Outputs != nil {
		if err := json.Unmarshal([]byte(*rec.Outputs), &s.Outputs); err != nil {
			return nil, fmt.Errorf("stack %s: stored outputs: %w", rec.ID, err)
		}
	}
	if rec.Tags != nil {
		if err := json.Unmarshal([]byte(*rec.Tags), &s.Tags); err != nil {
			return nil, fmt.Errorf("stack %s: stored tags: %w", rec.ID, err)
		}
	}

	for _, rr := range resourceRecs {
		r, err := resourceFromRecord(rr)
		if err != nil {
			return nil, err
		}
		s.AttachResource(r)
	}
	return s, nil
}

func resourceToRecord(stackID string, r *stack.Resource) (*stores.ResourceRecord, error) {
	rec := &stores.ResourceRecord{
		StackID:        stackID,
		Name:           r.Name,
		Type:           r.Type,
		Action:         string(r.State.Action),
		Status:         string(r.State.Status),
		StatusReason:   r.StatusReason,
		DefinitionHash: r.DefinitionHash,
		DeletionPolicy: string(r.DeletionPolicy),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.PhysicalID != "" {
		id := r.PhysicalID
		rec.PhysicalID = &id
	}

	var err error
	if len(r.Properties) > 0 {
		if rec.Properties, err = marshalJSONField(r.Properties); err != nil {
			return nil, fmt.Errorf("resource %s: marshal properties: %w", r.Name, err)
		}
	}
	if len(r.Attributes) > 0 {
		if rec.Attributes, err = marshalJSONField(r.Attributes); err != nil {
			return nil, fmt.Errorf("resource %s: marshal attributes: %w", r.Name, err)
		}
	}
	if r.Definition != nil {
		if rec.Definition, err = marshalJSONField(defDoc{
			Name:           r.Definition.Name,
			Type:           r.Definition.Type,
			Properties:     r.Definition.Properties,
			Metadata:       r.Definition.Metadata,
			DependsOn:      r.Definition.DependsOn,
			DeletionPolicy: string(r.Definition.DeletionPolicy),
			Condition:      r.Definition.Condition,
			ExternalID:     r.Definition.ExternalID,
		}); err != nil {
			return nil, fmt.Errorf("resource %s: marshal definition: %w", r.Name, err)
		}
	}
	return rec, nil
}

func resourceFromRecord(rec *stores.ResourceRecord) (*stack.Resource, error) {
	r := &stack.Resource{
		Name: rec.Name,
		Type: rec.Type,
		State: stack.State{
			Action: stack.Action(rec.Action),
			Status: stack.Status(rec.Status),
		},
		StatusReason:   rec.StatusReason,
		DefinitionHash: rec.DefinitionHash,
		DeletionPolicy: template.DeletionPolicy(rec.DeletionPolicy),
		Attributes:     make(map[string]interface{}),
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if rec.PhysicalID != nil {
		r.PhysicalID = *rec.PhysicalID
	}
	if rec.Properties != nil {
		if err := json.Unmarshal([]byte(*rec.Properties), &r.Properties); err != nil {
			return nil, fmt.Errorf("resource %s: stored properties: %w", rec.Name, err)
		}
	}
	if rec.Attributes != nil {
		if err := json.Unmarshal([]byte(*rec.Attributes), &r.Attributes); err != nil {
			return nil, fmt.Errorf("resource %s: stored attributes: %w", rec.Name, err)
		}
	}
	if rec.Definition != nil {
		var doc defDoc
		if err := json.Unmarshal([]byte(*rec.Definition), &doc); err != nil {
			return nil, fmt.Errorf("resource %s: stored definition: %w", rec.Name, err)
		}
		r.Definition = &template.ResourceDefinition{
			Name:           doc.Name,
			Type:           doc.Type,
			Properties:     doc.Properties,
			Metadata:       doc.Metadata,
			DependsOn:      doc.DependsOn,
			DeletionPolicy: template.DeletionPolicy(doc.DeletionPolicy),
			Condition:      doc.Condition,
			ExternalID:     doc.ExternalID,
		}
	}
	return r, nil
}
