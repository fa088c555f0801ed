// Package api exposes the stack engine over a JSON REST interface. Routes
// live under /v1; errors are rendered as faults with a code, title and
// explanation. Mutating requests pass through policy authorization before
// they reach the engine.
package api
