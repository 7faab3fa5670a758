// Package encoding defines the identifiers, encoding parameters, and verified
// metadata forms shared by every component that talks to storage nodes.
//
// The erasure coding itself (turning a blob into sliver pairs) happens
// outside this module; this package only describes the encoded shape and
// verifies that fetched fragments match it.
package encoding

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	// BlobIDSize is the size of a blob identifier in bytes.
	BlobIDSize = 32

	// DigestSize is the size of a sliver digest in bytes.
	DigestSize = 32

	// MaxSymbolSize is the largest encoding symbol, in bytes.
	MaxSymbolSize = 1 << 16
)

// BlobID is the content-derived identifier of a blob.
type BlobID [BlobIDSize]byte

// String returns the hex form of the blob ID.
func (id BlobID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseBlobID decodes a blob ID from its hex form.
func ParseBlobID(s string) (BlobID, error) {
	var id BlobID

	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("decode blob ID:\n%w", err)
	}

	if len(raw) != BlobIDSize {
		return id, fmt.Errorf("invalid blob ID size: got %d, want %d", len(raw), BlobIDSize)
	}

	copy(id[:], raw)

	return id, nil
}

// ShardIndex identifies one shard of the encoded data space.
type ShardIndex uint16

// SliverPairIndex identifies one (primary, secondary) sliver pair.
type SliverPairIndex uint16

// PairIndex maps the shard index to the sliver-pair index space for the given
// blob. Pair assignments are rotated by a blob-derived offset so that the
// load of the systematic pairs differs per blob.
func (s ShardIndex) PairIndex(nShards uint16, blobID BlobID) SliverPairIndex {
	rotation := binary.BigEndian.Uint16(blobID[:2]) % nShards
	return SliverPairIndex((uint16(s) + nShards - rotation) % nShards)
}

// ShardIndex is the inverse of ShardIndex.PairIndex for the same blob.
func (p SliverPairIndex) ShardIndex(nShards uint16, blobID BlobID) ShardIndex {
	rotation := binary.BigEndian.Uint16(blobID[:2]) % nShards
	return ShardIndex((uint16(p) + rotation) % nShards)
}

// SliverAxis tags a sliver with its encoding axis.
type SliverAxis uint8

const (
	// Primary is the axis recovered from n-2f source symbols.
	Primary SliverAxis = iota

	// Secondary is the axis recovered from n-f source symbols.
	Secondary
)

// String returns the lowercase name of the axis.
func (a SliverAxis) String() string {
	switch a {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return fmt.Sprintf("axis(%d)", uint8(a))
	}
}

// ParseAxis decodes a sliver axis from its lowercase name.
func ParseAxis(s string) (SliverAxis, error) {
	switch s {
	case "primary":
		return Primary, nil
	case "secondary":
		return Secondary, nil
	default:
		return 0, fmt.Errorf("unknown sliver axis %q", s)
	}
}
