package encoding

import (
	"fmt"

	"blobnet/internal/bft"
)

// Config holds the encoding parameters for a fixed shard count.
//
// A Config is immutable and shared by reference across all node clients of a
// protocol round; a new one is derived when the committee's shard count
// changes.
type Config struct {
	nShards uint16

	// Source symbol counts for the two encoding axes. A primary sliver is
	// recoverable from nShards-2f symbols, a secondary one from nShards-f.
	primarySourceSymbols   uint16
	secondarySourceSymbols uint16
}

// NewConfig derives the encoding parameters for the given shard count.
func NewConfig(nShards uint16) (*Config, error) {
	if nShards == 0 {
		return nil, fmt.Errorf("shard count must be positive")
	}

	f := bft.MaxFaulty(nShards)

	return &Config{
		nShards:                nShards,
		primarySourceSymbols:   nShards - 2*f,
		secondarySourceSymbols: nShards - f,
	}, nil
}

// NShards returns the total shard count.
func (c *Config) NShards() uint16 {
	return c.nShards
}

// SourceSymbols returns the primary and secondary source symbol counts.
func (c *Config) SourceSymbols() (primary, secondary uint16) {
	return c.primarySourceSymbols, c.secondarySourceSymbols
}

// SymbolSize returns the symbol size used to encode a blob of the given
// unencoded length, or an error if the blob exceeds the maximum size.
func (c *Config) SymbolSize(unencodedLength uint64) (uint64, error) {
	if unencodedLength > c.MaxBlobSize() {
		return 0, fmt.Errorf("blob of %d bytes exceeds maximum of %d", unencodedLength, c.MaxBlobSize())
	}

	source := uint64(c.primarySourceSymbols) * uint64(c.secondarySourceSymbols)

	size := (unencodedLength + source - 1) / source
	if size == 0 {
		size = 1
	}

	return size, nil
}

// MaxBlobSize returns the largest unencoded blob this configuration encodes.
func (c *Config) MaxBlobSize() uint64 {
	return uint64(c.primarySourceSymbols) * uint64(c.secondarySourceSymbols) * MaxSymbolSize
}

// MaxSliverSize returns the size of the largest single sliver. Primary
// slivers are the longer axis: one symbol per secondary source symbol.
func (c *Config) MaxSliverSize() uint64 {
	return uint64(c.secondarySourceSymbols) * MaxSymbolSize
}

// SliverSize returns the size in bytes of a sliver on the given axis for a
// blob of the given unencoded length.
func (c *Config) SliverSize(axis SliverAxis, unencodedLength uint64) (uint64, error) {
	symbolSize, err := c.SymbolSize(unencodedLength)
	if err != nil {
		return 0, err
	}

	if axis == Primary {
		return uint64(c.secondarySourceSymbols) * symbolSize, nil
	}

	return uint64(c.primarySourceSymbols) * symbolSize, nil
}

// EncodedBlobSize returns the total storage taken by all sliver pairs of a
// blob of the given unencoded length, across the whole committee.
func (c *Config) EncodedBlobSize(unencodedLength uint64) (uint64, error) {
	primaryLen, err := c.SliverSize(Primary, unencodedLength)
	if err != nil {
		return 0, err
	}

	secondaryLen, err := c.SliverSize(Secondary, unencodedLength)
	if err != nil {
		return 0, err
	}

	return uint64(c.nShards) * (primaryLen + secondaryLen), nil
}

// MetadataSize returns the wire size of blob metadata for this shard count:
// one digest per axis per pair, plus the blob ID and the length field.
func (c *Config) MetadataSize() uint64 {
	return uint64(c.nShards)*2*DigestSize + BlobIDSize + 8
}
