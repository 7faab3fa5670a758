package comms

import (
	"errors"
	"fmt"

	"blobnet/internal/encoding"
)

// ErrInvalidConfig marks a node that violates a construction invariant,
// such as owning zero shards. Fatal for that node's client only.
var ErrInvalidConfig = errors.New("invalid node configuration")

// StoreStage identifies the pipeline stage a store operation failed in.
type StoreStage uint8

const (
	// StoreStageMetadata is the initial metadata upload.
	StoreStageMetadata StoreStage = iota

	// StoreStageConfirmation is the final confirmation request.
	StoreStageConfirmation
)

// String returns the stage name.
func (s StoreStage) String() string {
	switch s {
	case StoreStageMetadata:
		return "metadata"
	case StoreStageConfirmation:
		return "confirmation"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// StoreError reports which stage of the store pipeline failed on a node,
// wrapping the underlying cause. Sliver failures are reported separately as
// SliverStoreError.
type StoreError struct {
	Stage StoreStage
	Err   error
}

// Error returns the stage-tagged message.
func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// SliverStoreError reports that one specific sliver could not be stored
// after exhausting retries. It identifies the failed fragment by pair index
// and axis and is terminal for the node's whole store operation.
type SliverStoreError struct {
	PairIndex encoding.SliverPairIndex
	Axis      encoding.SliverAxis
	Err       error
}

// Error returns the fragment-tagged message.
func (e *SliverStoreError) Error() string {
	return fmt.Sprintf("store %s sliver %d: %v", e.Axis, e.PairIndex, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SliverStoreError) Unwrap() error {
	return e.Err
}
