package api

import (
	"time"

	"github.com/calderahq/caldera/pkg/engine"
	"github.com/calderahq/caldera/pkg/stack"
)

// CreateStackRequest is the body of POST /v1/stacks.
type CreateStackRequest struct {
	Name string `json:"name" validate:"required,min=1,max=255"`

	// Template is the raw YAML template document.
	Template string `json:"template" validate:"required"`

	// Environments are raw YAML environment documents, merged in order.
	Environments []string `json:"environments,omitempty"`

	// Parameters override environment-supplied parameter values.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Files maps get_file keys to contents.
	Files map[string]string `json:"files,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// TimeoutMins bounds the operation; zero selects the engine default.
	TimeoutMins int `json:"timeout_mins" validate:"min=0"`

	DisableRollback bool `json:"disable_rollback"`
}

// UpdateStackRequest is the body of PUT /v1/stacks/{stack}.
type UpdateStackRequest struct {
	Template        string                 `json:"template" validate:"required"`
	Environments    []string               `json:"environments,omitempty"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	Files           map[string]string      `json:"files,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	TimeoutMins     int                    `json:"timeout_mins" validate:"min=0"`
	DisableRollback bool                   `json:"disable_rollback"`
}

// ActionRequest is the body of POST /v1/stacks/{stack}/actions.
type ActionRequest struct {
	Action string `json:"action" validate:"required,oneof=suspend resume check cancel"`
}

// ValidateRequest is the body of POST /v1/validate.
type ValidateRequest struct {
	Template     string                 `json:"template" validate:"required"`
	Environments []string               `json:"environments,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Files        map[string]string      `json:"files,omitempty"`
}

// StackView is the JSON rendering of a stack.
type StackView struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description,omitempty"`
	Action          string                 `json:"action"`
	Status          string                 `json:"status"`
	StatusReason    string                 `json:"status_reason,omitempty"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	Outputs         map[string]interface{} `json:"outputs,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	TimeoutMins     int                    `json:"timeout_mins"`
	DisableRollback bool                   `json:"disable_rollback"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	DeletedAt       *time.Time             `json:"deleted_at,omitempty"`
}

// ResourceView is the JSON rendering of a stack resource.
type ResourceView struct {
	Name         string                 `json:"name"`
	Type         string                 `json:"type"`
	Action       string                 `json:"action"`
	Status       string                 `json:"status"`
	StatusReason string                 `json:"status_reason,omitempty"`
	PhysicalID   string                 `json:"physical_id,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// EventView is the JSON rendering of one stack event.
type EventView struct {
	ID           int64     `json:"id"`
	ResourceName string    `json:"resource_name,omitempty"`
	Action       string    `json:"action"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func stackView(s *stack.Stack) *StackView {
	return &StackView{
		ID:              s.ID,
		Name:            s.Name,
		Description:     s.Description,
		Action:          string(s.State.Action),
		Status:          string(s.State.Status),
		StatusReason:    s.StatusReason,
		Parameters:      s.Parameters,
		Outputs:         s.Outputs,
		Tags:            s.Tags,
		TimeoutMins:     int(s.Timeout.Minutes()),
		DisableRollback: s.DisableRollback,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		DeletedAt:       s.DeletedAt,
	}
}

func resourceView(r *stack.Resource) *ResourceView {
	return &ResourceView{
		Name:         r.Name,
		Type:         r.Type,
		Action:       string(r.State.Action),
		Status:       string(r.State.Status),
		StatusReason: r.StatusReason,
		PhysicalID:   r.PhysicalID,
		Attributes:   r.Attributes,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (req *CreateStackRequest) toInput() engine.StackInput {
	return engine.StackInput{
		Name:            req.Name,
		Template:        []byte(req.Template),
		Environments:    toByteDocs(req.Environments),
		Parameters:      req.Parameters,
		Files:           req.Files,
		Tags:            req.Tags,
		Timeout:         time.Duration(req.TimeoutMins) * time.Minute,
		DisableRollback: req.DisableRollback,
	}
}

func (req *UpdateStackRequest) toInput() engine.StackInput {
	return engine.StackInput{
		Template:        []byte(req.Template),
		Environments:    toByteDocs(req.Environments),
		Parameters:      req.Parameters,
		Files:           req.Files,
		Tags:            req.Tags,
		Timeout:         time.Duration(req.TimeoutMins) * time.Minute,
		DisableRollback: req.DisableRollback,
	}
}

func (req *ValidateRequest) toInput() engine.StackInput {
	return engine.StackInput{
		Template:     []byte(req.Template),
		Environments: toByteDocs(req.Environments),
		Parameters:   req.Parameters,
		Files:        req.Files,
	}
}

func toByteDocs(docs []string) [][]byte {
	if len(docs) == 0 {
		return nil
	}
	out := make([][]byte, len(docs))
	for i, d := range docs {
		out[i] = []byte(d)
	}
	return out
}
