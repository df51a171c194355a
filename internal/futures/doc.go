// Package futures implements a future/promise registry
// (register/lookup/remove keyed by future version) using an explicit
// idiom: rather than chaining callbacks on a future, an Entry keeps an
// explicit set of not-yet-acknowledged backup node ids and completes by
// draining that set under a single mutex, as backups ack or a
// membership event removes them from it. Cancellation is a tri-state
// (pending, done, cancelled).
package futures
