// Package config loads the cache configuration table: backups,
// write_synchronization_mode, atomic_write_order_mode,
// deferred_ack_buffer_size, deferred_ack_timeout_ms, store_enabled,
// batch_update_on_commit, network_timeout_ms, plus node identity and
// listen address.
//
// Loading follows the two-layer convention in cmd/node/main.go
// (NODE_ID/NODE_LISTEN-style required/optional environment variables
// with getenv/mustGetenv helpers), generalized to read an optional
// YAML file first and let environment variables override individual
// fields on top of it.
package config
