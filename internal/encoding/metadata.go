package encoding

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// blobIDContext domain-separates blob identifiers from other BLAKE3 uses.
const blobIDContext = "blobnet-blob-id-v1"

// encMode is the canonical CBOR encoder; blob IDs depend on a deterministic
// metadata encoding.
var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	return em
}()

// SliverDigests holds the digests committing to one sliver pair.
type SliverDigests struct {
	Primary   [DigestSize]byte `cbor:"primary"`
	Secondary [DigestSize]byte `cbor:"secondary"`
}

// ForAxis returns the digest for the given axis.
func (d SliverDigests) ForAxis(axis SliverAxis) [DigestSize]byte {
	if axis == Primary {
		return d.Primary
	}

	return d.Secondary
}

// BlobMetadata describes the encoded shape of one blob: its unencoded length
// and one digest pair per sliver pair, indexed by sliver pair index.
type BlobMetadata struct {
	UnencodedLength uint64          `cbor:"unencoded_length"`
	Digests         []SliverDigests `cbor:"digests"`
}

// NewMetadata builds the metadata committing to the given sliver pairs.
// The pairs must be a full set, one per pair index in order.
func NewMetadata(unencodedLength uint64, pairs []SliverPair) *BlobMetadata {
	digests := make([]SliverDigests, len(pairs))

	for i, pair := range pairs {
		digests[i] = SliverDigests{
			Primary:   pair.Primary.Digest(),
			Secondary: pair.Secondary.Digest(),
		}
	}

	return &BlobMetadata{
		UnencodedLength: unencodedLength,
		Digests:         digests,
	}
}

// ComputeBlobID derives the content-bound blob identifier from the metadata.
func ComputeBlobID(meta *BlobMetadata) (BlobID, error) {
	var id BlobID

	raw, err := encMode.Marshal(meta)
	if err != nil {
		return id, fmt.Errorf("encode metadata:\n%w", err)
	}

	h := blake3.New()
	h.Write([]byte(blobIDContext))
	h.Write(raw)
	h.Sum(id[:0])

	return id, nil
}

// VerifiedMetadata is blob metadata proven consistent with its blob ID and
// an encoding configuration. Store and retrieve operations accept only this
// form, never raw metadata.
type VerifiedMetadata struct {
	blobID BlobID
	meta   *BlobMetadata
}

// VerifyMetadata checks raw metadata against the expected blob ID and the
// encoding configuration, returning the verified form on success.
func VerifyMetadata(blobID BlobID, meta *BlobMetadata, cfg *Config) (*VerifiedMetadata, error) {
	if len(meta.Digests) != int(cfg.NShards()) {
		return nil, fmt.Errorf("metadata has %d digest pairs, want %d", len(meta.Digests), cfg.NShards())
	}

	if meta.UnencodedLength == 0 {
		return nil, fmt.Errorf("metadata declares an empty blob")
	}

	if meta.UnencodedLength > cfg.MaxBlobSize() {
		return nil, fmt.Errorf("metadata declares %d bytes, above the maximum of %d", meta.UnencodedLength, cfg.MaxBlobSize())
	}

	computed, err := ComputeBlobID(meta)
	if err != nil {
		return nil, err
	}

	if computed != blobID {
		return nil, fmt.Errorf("metadata does not match blob ID %s", blobID)
	}

	return &VerifiedMetadata{blobID: blobID, meta: meta}, nil
}

// BlobID returns the identifier the metadata was verified against.
func (m *VerifiedMetadata) BlobID() BlobID {
	return m.blobID
}

// Metadata returns the underlying metadata.
func (m *VerifiedMetadata) Metadata() *BlobMetadata {
	return m.meta
}
