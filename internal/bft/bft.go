// Package bft provides the Byzantine fault tolerance arithmetic used to
// calibrate quorum decisions over shard weights.
//
// For a system of n shards the committee tolerates up to f faulty shards,
// where f = (n-1)/3. All functions are pure; callers recompute the values
// whenever the committee's shard count changes at an epoch boundary.
package bft

// MaxFaulty returns f, the maximum number of faulty shards the system
// tolerates for the given shard count.
func MaxFaulty(nShards uint16) uint16 {
	if nShards == 0 {
		return 0
	}

	return (nShards - 1) / 3
}

// QuorumThreshold returns 2f+1, the minimum shard weight an operation must
// accumulate to be considered successful.
func QuorumThreshold(nShards uint16) uint16 {
	return 2*MaxFaulty(nShards) + 1
}

// MinCorrect returns n-f, the minimum number of shards held by correct nodes.
func MinCorrect(nShards uint16) uint16 {
	return nShards - MaxFaulty(nShards)
}
