// Package model owns the authoritative configuration tree.
//
// Ownership boundary:
// - tree shape (name, paths, values)
// - structural copy and comparison
// - content digest used for idempotent resync
// - file persistence
//
// The tree is not safe for concurrent mutation; callers serialize writes.
package model
