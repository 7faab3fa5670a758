// Package comms drives the per-node communication protocol: one client per
// committee member, with built-in verification, retries, and two-level
// connection limiting, emitting uniform weighted results for quorum
// aggregation.
package comms

// NodeResult is the outcome of one interaction with a storage node.
//
// Weight is the number of shards the outcome speaks for: the node's full
// owned-shard count for metadata and confirmation operations, one for a
// single sliver. Results are produced and consumed within one protocol
// round and never persisted.
type NodeResult[T any] struct {
	Epoch  uint64
	Weight int
	Node   int
	Value  T
	Err    error
}

// Ok reports whether the interaction succeeded.
func (r NodeResult[T]) Ok() bool {
	return r.Err == nil
}
