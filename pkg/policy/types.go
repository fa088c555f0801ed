package policy

import "time"

// Severity grades a policy violation.
type Severity string

const (
	// SeverityInfo is informational only.
	SeverityInfo Severity = "info"

	// SeverityWarning surfaces in the decision but does not block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the operation.
	SeverityError Severity = "error"

	// SeverityCritical blocks the operation.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the request.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one named Rego rule set.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	Description string `json:"description,omitempty"`

	// Rego is the policy source. Deny rules emit violation objects or
	// plain message strings.
	Rego string `json:"rego"`

	// Severity is the default severity when a violation does not carry
	// its own.
	Severity Severity `json:"severity"`

	// Enabled policies participate in evaluation.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from; empty for builtins.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// User identifies the caller of an API request.
type User struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the user carries the given role.
func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// StackSummary is the policy-visible shape of an existing stack.
type StackSummary struct {
	ID            string   `json:"id,omitempty"`
	Name          string   `json:"name"`
	Status        string   `json:"status,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	ResourceCount int      `json:"resource_count"`
}

// TemplateSummary is the policy-visible shape of a submitted template.
type TemplateSummary struct {
	Description   string   `json:"description,omitempty"`
	ResourceCount int      `json:"resource_count"`
	ResourceTypes []string `json:"resource_types,omitempty"`
	Parameters    []string `json:"parameters,omitempty"`
}

// Input is the document policies evaluate against.
type Input struct {
	// Action is the requested stack action: CREATE, UPDATE, DELETE,
	// SUSPEND, RESUME, CHECK or CANCEL.
	Action string `json:"action"`

	User User `json:"user"`

	// Stack describes the target stack; nil for creates.
	Stack *StackSummary `json:"stack,omitempty"`

	// Template describes the submitted template; nil for actions without
	// a template.
	Template *TemplateSummary `json:"template,omitempty"`
}

// Violation is one denied rule result.
type Violation struct {
	Policy   string   `json:"policy"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Decision is the outcome of evaluating all enabled policies.
type Decision struct {
	// Allowed is false when any blocking violation fired.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings carry evaluation problems (a policy that failed to run),
	// never rule results.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}
