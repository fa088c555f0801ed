//go:build !wasip1

package main

// The plugin only does anything when built for wasip1; this stub keeps
// the package buildable and testable on the host.
func main() {}
