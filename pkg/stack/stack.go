package stack

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/calderahq/caldera/pkg/template"
)

// DefaultTimeout bounds a stack operation when the caller specifies none.
const DefaultTimeout = 60 * time.Minute

// Stack is a running instantiation of a template.
type Stack struct {
	// ID is the unique stack identifier.
	ID string `json:"id"`

	// Name is the user-chosen stack name, unique among live stacks.
	Name string `json:"name"`

	// Description is taken from the template.
	Description string `json:"description,omitempty"`

	// State is the current (action, status) pair.
	State State `json:"state"`

	// StatusReason explains how the stack reached its current state.
	StatusReason string `json:"status_reason,omitempty"`

	// Template is the parsed template this stack instantiates.
	Template *template.Template `json:"-"`

	// Environment is the merged environment the stack was created with.
	Environment *template.Environment `json:"-"`

	// Parameters are the resolved, validated parameter values.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Files maps get_file keys to contents supplied at create/update time.
	Files map[string]string `json:"-"`

	// Resources maps resource names to their runtime records.
	Resources map[string]*Resource `json:"resources,omitempty"`

	// Outputs are resolved output values, available once the stack
	// reaches a COMPLETE state.
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// Timeout bounds each stack operation.
	Timeout time.Duration `json:"timeout"`

	// DisableRollback leaves failed creates in place for inspection.
	DisableRollback bool `json:"disable_rollback"`

	// Tags are free-form labels used for listing and policy decisions.
	Tags []string `json:"tags,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// New builds a stack from a validated template and resolved parameters.
func New(name string, tpl *template.Template, env *template.Environment, params map[string]interface{}) *Stack {
	now := time.Now().UTC()
	s := &Stack{
		ID:          uuid.New().String(),
		Name:        name,
		Description: tpl.Description,
		State:       NewState(),
		Template:    tpl,
		Environment: env,
		Parameters:  params,
		Resources:   make(map[string]*Resource),
		Outputs:     make(map[string]interface{}),
		Timeout:     DefaultTimeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for name, def := range tpl.Resources {
		s.Resources[name] = NewResource(s, def)
	}
	return s
}

// SetState transitions the stack and records the reason.
func (s *Stack) SetState(action Action, status Status, reason string) {
	s.State = State{Action: action, Status: status}
	s.StatusReason = reason
	s.UpdatedAt = time.Now().UTC()
}

// AttachResource adds a rehydrated resource record to the stack, for
// loading persisted stacks.
func (s *Stack) AttachResource(r *Resource) {
	r.stack = s
	s.Resources[r.Name] = r
}

// Resource returns the named resource record.
func (s *Stack) Resource(name string) (*Resource, error) {
	r, ok := s.Resources[name]
	if !ok {
		return nil, fmt.Errorf("stack %s has no resource %q", s.Name, name)
	}
	return r, nil
}

// LiveResources returns the resources that currently exist physically:
// anything with a physical ID whose state is not DELETE_COMPLETE.
func (s *Stack) LiveResources() map[string]*Resource {
	live := make(map[string]*Resource)
	for name, r := range s.Resources {
		if r.PhysicalID != "" && !r.State.IsDeleted() {
			live[name] = r
		}
	}
	return live
}

// ResolveContext builds the intrinsic-function resolve context for this
// stack. Resource references resolve against the stack's live resources.
func (s *Stack) ResolveContext() *template.ResolveContext {
	return &template.ResolveContext{
		StackName:  s.Name,
		StackID:    s.ID,
		Parameters: s.Parameters,
		Files:      s.Files,
		ResourceRef: func(name string) (interface{}, error) {
			r, err := s.Resource(name)
			if err != nil {
				return nil, err
			}
			if r.PhysicalID == "" {
				return nil, fmt.Errorf("resource %q has no physical ID yet", name)
			}
			return r.PhysicalID, nil
		},
		ResourceAttr: func(name string, path []interface{}) (interface{}, error) {
			r, err := s.Resource(name)
			if err != nil {
				return nil, err
			}
			return r.Attribute(path)
		},
	}
}

// Lock is a persisted claim on a stack by one engine process. At most one
// mutating action runs per stack; a lock older than its holder's liveness
// window can be stolen after an engine crash.
type Lock struct {
	StackID   string    `json:"stack_id"`
	EngineID  string    `json:"engine_id"`
	Action    Action    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// StaleAfter is how old a lock must be before another engine may steal it.
const StaleAfter = 4 * time.Minute

// IsStale reports whether the lock is old enough to steal.
func (l *Lock) IsStale(now time.Time) bool {
	return now.Sub(l.CreatedAt) > StaleAfter
}
