// Package stores provides the SQLite persistence layer: stacks, their
// resources, the append-only event history, and stack locks. It uses WAL
// mode, connection pooling, and embedded migrations.
package stores
