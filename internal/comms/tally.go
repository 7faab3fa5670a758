package comms

// WeightTally accumulates weighted outcomes toward a quorum decision.
//
// Callers record results in arrival order; node completion order carries no
// meaning. The tally declares success once the confirmed weight reaches the
// threshold, and failure once the confirmed weight plus all still-pending
// weight can no longer reach it. A node's weight counts as pending until
// its result arrives.
//
// A tally is driven from a single collection loop and is not safe for
// concurrent use.
type WeightTally struct {
	threshold int
	pending   int
	confirmed int
}

// NewWeightTally creates a tally over the given total weight and decision
// threshold.
func NewWeightTally(totalWeight, threshold int) *WeightTally {
	return &WeightTally{
		threshold: threshold,
		pending:   totalWeight,
	}
}

// Record moves weight from pending to resolved, counting it as confirmed on
// success.
func (t *WeightTally) Record(weight int, ok bool) {
	t.pending -= weight

	if ok {
		t.confirmed += weight
	}
}

// QuorumReached reports whether the confirmed weight has reached the
// threshold.
func (t *WeightTally) QuorumReached() bool {
	return t.confirmed >= t.threshold
}

// Unreachable reports whether the threshold can no longer be reached even
// if every pending result succeeds.
func (t *WeightTally) Unreachable() bool {
	return t.confirmed+t.pending < t.threshold
}

// Confirmed returns the accumulated successful weight.
func (t *WeightTally) Confirmed() int {
	return t.confirmed
}

// Pending returns the weight not yet resolved.
func (t *WeightTally) Pending() int {
	return t.pending
}
