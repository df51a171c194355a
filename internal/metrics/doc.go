// Package metrics exposes the counters and histograms the update
// pipeline's "single-writer where possible, otherwise striped adders"
// counter policy calls for, as Prometheus collectors: per-operation
// counters for put/remove/transform, a backup-ack latency histogram, a
// deferred-ack flush counter, and a topology-remap counter.
//
// Collectors are package-level vars registered once via init, following
// cuemby-warren's pkg/metrics convention, scoped down to this cache's
// own operations rather than warren's cluster/scheduler/ingress surface.
// Cross-node metrics aggregation is out of scope here; this package
// only exposes raw counters for an external scraper to pull.
package metrics
