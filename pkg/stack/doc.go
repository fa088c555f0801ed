// Package stack defines the stack and resource model: the (action, status)
// state machine, transition rules, resource records with physical IDs and
// attributes, definition hashing for update diffing, and the persisted
// stack lock that serializes mutating actions.
package stack
