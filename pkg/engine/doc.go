// Package engine orchestrates stack lifecycles. It resolves templates
// into dependency graphs, traverses them level by level through resource
// providers with classified-error retries, and persists stack, resource
// and event state through the stores package. Failed creates and updates
// roll back automatically unless the stack disables rollback.
package engine
