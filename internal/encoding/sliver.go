package encoding

import (
	"fmt"

	"github.com/zeebo/blake3"
)

// Sliver is one erasure-coded fragment along one encoding axis.
type Sliver struct {
	Axis      SliverAxis      `cbor:"axis"`
	PairIndex SliverPairIndex `cbor:"pair_index"`
	Symbols   []byte          `cbor:"symbols"`
}

// SliverPair groups the primary and secondary slivers sharing a pair index.
type SliverPair struct {
	Index     SliverPairIndex `cbor:"index"`
	Primary   Sliver          `cbor:"primary"`
	Secondary Sliver          `cbor:"secondary"`
}

// Digest returns the BLAKE3 digest committing to the sliver's axis and
// symbol payload.
func (s *Sliver) Digest() [DigestSize]byte {
	h := blake3.New()
	h.Write([]byte{byte(s.Axis)})
	h.Write(s.Symbols)

	var digest [DigestSize]byte
	h.Sum(digest[:0])

	return digest
}

// Verify checks the sliver against the verified metadata and encoding
// configuration: the pair index must be in range, the payload must have the
// exact encoded size, and the digest must match the metadata commitment.
func (s *Sliver) Verify(meta *VerifiedMetadata, cfg *Config) error {
	if uint16(s.PairIndex) >= cfg.NShards() {
		return fmt.Errorf("sliver pair index %d out of range for %d shards", s.PairIndex, cfg.NShards())
	}

	wantLen, err := cfg.SliverSize(s.Axis, meta.Metadata().UnencodedLength)
	if err != nil {
		return err
	}

	if uint64(len(s.Symbols)) != wantLen {
		return fmt.Errorf("%s sliver %d has %d bytes, want %d", s.Axis, s.PairIndex, len(s.Symbols), wantLen)
	}

	want := meta.Metadata().Digests[s.PairIndex].ForAxis(s.Axis)
	if s.Digest() != want {
		return fmt.Errorf("%s sliver %d digest mismatch", s.Axis, s.PairIndex)
	}

	return nil
}
