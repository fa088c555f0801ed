// Package template implements parsing, validation and intrinsic-function
// resolution for Caldera YAML templates.
//
// A template declares typed parameters, a set of resources with explicit and
// implicit dependencies, conditions and outputs. Intrinsic functions
// (get_param, get_resource, get_attr, ...) are represented as single-key maps
// in the parsed tree and resolved lazily against a ResolveContext, so the
// same template can be evaluated before any resource exists (validation) and
// again during traversal when physical IDs and attributes become available.
package template
