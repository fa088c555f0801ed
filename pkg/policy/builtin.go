package policy

import "time"

// BuiltinPolicies returns the policies compiled into every engine. They
// can be shadowed by a loaded policy of the same name.
func BuiltinPolicies() []Policy {
	now := time.Now().UTC()
	return []Policy{
		{
			Name:        "protected_stacks",
			Description: "Destructive actions on stacks tagged 'protected' require the admin role.",
			Severity:    SeverityError,
			Enabled:     true,
			LoadedAt:    now,
			Rego: `package caldera.protected_stacks

import rego.v1

destructive := {"DELETE", "UPDATE"}

is_admin if {
	some role in input.user.roles
	role == "admin"
}

deny contains msg if {
	destructive[input.action]
	some tag in input.stack.tags
	tag == "protected"
	not is_admin
	msg := {
		"message": sprintf("%s on protected stack %q requires the admin role", [input.action, input.stack.name]),
		"severity": "error",
	}
}
`,
		},
		{
			Name:        "resource_limit",
			Description: "Templates may not declare more than 500 resources.",
			Severity:    SeverityError,
			Enabled:     true,
			LoadedAt:    now,
			Rego: `package caldera.resource_limit

import rego.v1

max_resources := 500

deny contains msg if {
	input.template.resource_count > max_resources
	msg := {
		"message": sprintf("template declares %d resources, limit is %d", [input.template.resource_count, max_resources]),
		"severity": "error",
	}
}
`,
		},
		{
			Name:        "anonymous_writes",
			Description: "Mutating actions should carry a user identity.",
			Severity:    SeverityWarning,
			Enabled:     true,
			LoadedAt:    now,
			Rego: `package caldera.anonymous_writes

import rego.v1

mutating := {"CREATE", "UPDATE", "DELETE"}

deny contains msg if {
	mutating[input.action]
	input.user.name == ""
	msg := {
		"message": sprintf("%s request without a user identity", [input.action]),
		"severity": "warning",
	}
}
`,
		},
	}
}
