// Package affinity implements the key→partition and partition→owners
// mapping functions an external caller treats as a single collaborator.
//
// Partition selection uses xxhash rather than hash/fnv
// (internal/coordinator/shard_registry.go's GetShardForKey) because
// xxhash is the hash the rest of the retrieved pack converges on for
// exactly this kind of key distribution concern. Owner resolution is a
// thin delegate to internal/topology, kept separate so the two concerns
// (how a key maps to a partition number, and who owns a partition right
// now) can evolve independently, matching the two distinct
// collaborator functions callers expect.
package affinity
