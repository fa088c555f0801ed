package stack

import (
	"encoding/json"
	"fmt"
)

// Action represents a stack or resource lifecycle action.
type Action string

const (
	// ActionInit is the initial pseudo-action before any operation ran.
	ActionInit Action = "INIT"

	// ActionCreate provisions the stack's resources for the first time.
	ActionCreate Action = "CREATE"

	// ActionUpdate converges existing resources onto a new template.
	ActionUpdate Action = "UPDATE"

	// ActionDelete removes the stack's resources.
	ActionDelete Action = "DELETE"

	// ActionRollback reverts a failed create or update.
	ActionRollback Action = "ROLLBACK"

	// ActionSuspend suspends the stack's resources.
	ActionSuspend Action = "SUSPEND"

	// ActionResume resumes a suspended stack.
	ActionResume Action = "RESUME"

	// ActionCheck verifies resources still match their recorded state.
	ActionCheck Action = "CHECK"
)

// IsMutating returns true if the action changes physical resources.
func (a Action) IsMutating() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete ||
		a == ActionRollback || a == ActionSuspend || a == ActionResume
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionInit, ActionCreate, ActionUpdate, ActionDelete,
		ActionRollback, ActionSuspend, ActionResume, ActionCheck:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// Status represents the progress of the current or last action.
type Status string

const (
	// StatusInProgress indicates the action is executing.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusComplete indicates the action finished successfully.
	StatusComplete Status = "COMPLETE"

	// StatusFailed indicates the action failed.
	StatusFailed Status = "FAILED"
)

// IsTerminal returns true if the status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusInProgress, StatusComplete, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid status: %s", s)
	}
}

// State is the (action, status) pair that identifies where a stack or
// resource is in its lifecycle, e.g. CREATE_COMPLETE or UPDATE_FAILED.
type State struct {
	Action Action `json:"action"`
	Status Status `json:"status"`
}

// NewState returns the initial state of a freshly defined stack or resource.
func NewState() State {
	return State{Action: ActionInit, Status: StatusComplete}
}

// String renders the state in ACTION_STATUS form.
func (s State) String() string {
	return fmt.Sprintf("%s_%s", s.Action, s.Status)
}

// IsTerminal returns true if no action is in progress.
func (s State) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// IsDeleted returns true for DELETE_COMPLETE.
func (s State) IsDeleted() bool {
	return s.Action == ActionDelete && s.Status == StatusComplete
}

// IsSuspended returns true for SUSPEND_COMPLETE.
func (s State) IsSuspended() bool {
	return s.Action == ActionSuspend && s.Status == StatusComplete
}

// IsHealthy returns true when the last action completed successfully and
// left the stack's resources in service.
func (s State) IsHealthy() bool {
	if s.Status != StatusComplete {
		return false
	}
	switch s.Action {
	case ActionInit, ActionCreate, ActionUpdate, ActionResume,
		ActionRollback, ActionCheck:
		return true
	default:
		return false
	}
}

// CanStart reports whether the given action may begin from this state.
// An error explains the refusal.
func (s State) CanStart(action Action) error {
	if !s.IsTerminal() {
		return fmt.Errorf("cannot %s while %s is in progress", action, s.Action)
	}
	if s.IsDeleted() && action != ActionDelete {
		return fmt.Errorf("cannot %s a deleted stack", action)
	}

	switch action {
	case ActionCreate:
		if s.Action != ActionInit {
			return fmt.Errorf("cannot create from state %s", s)
		}
	case ActionUpdate, ActionCheck:
		if s.Action == ActionInit {
			return fmt.Errorf("cannot %s a stack that was never created", action)
		}
		if s.IsSuspended() {
			return fmt.Errorf("cannot %s a suspended stack", action)
		}
	case ActionDelete:
		// Delete is allowed from any terminal state.
	case ActionSuspend:
		if !s.IsHealthy() {
			return fmt.Errorf("cannot suspend from state %s", s)
		}
	case ActionResume:
		if !s.IsSuspended() {
			return fmt.Errorf("cannot resume from state %s", s)
		}
	case ActionRollback:
		if s.Status != StatusFailed {
			return fmt.Errorf("cannot rollback from state %s", s)
		}
	default:
		return fmt.Errorf("invalid action: %s", action)
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(a))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (a *Action) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*a = Action(str)
	return a.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}

// ParseState parses an ACTION_STATUS string back into a State.
func ParseState(s string) (State, error) {
	for _, status := range []Status{StatusInProgress, StatusComplete, StatusFailed} {
		suffix := "_" + string(status)
		if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
			action := Action(s[:len(s)-len(suffix)])
			if err := action.Validate(); err != nil {
				return State{}, err
			}
			return State{Action: action, Status: status}, nil
		}
	}
	return State{}, fmt.Errorf("invalid state: %s", s)
}
