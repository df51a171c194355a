// Package store implements the optional write-through persistence
// collaborator: putAll(entries)/removeAll(keys), both synchronous,
// failure returns an error. It is consulted by the primary update
// engine after an in-memory write succeeds and before the operation is
// acknowledged, so a store failure can still fail the whole update.
//
// BoltStore follows cuemby-warren's pkg/storage/boltdb.go: one bucket
// per keyspace, opened once at startup, raw byte values, a
// transaction per batch.
package store
