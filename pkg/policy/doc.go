// Package policy authorizes stack operations with OPA Rego rules. Every
// mutating API request is evaluated against the loaded policies before it
// reaches the engine; rules deny by emitting violation objects. Policies
// load from .rego files and hot-reload on file changes.
package policy
