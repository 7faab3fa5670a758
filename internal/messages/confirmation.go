// Package messages defines the signed protocol messages exchanged with
// storage nodes: storage confirmations, invalid-blob attestations, and the
// aggregated storage certificate built from a quorum of confirmations.
package messages

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"blobnet/internal/encoding"
)

const (
	confirmationContext = "blobnet-storage-confirmation-v1"
	attestationContext  = "blobnet-invalid-blob-v1"
)

// confirmationMessage is the byte string a node signs to confirm storage of
// a blob for an epoch.
func confirmationMessage(blobID encoding.BlobID, epoch uint64) []byte {
	msg := make([]byte, 0, len(confirmationContext)+encoding.BlobIDSize+8)
	msg = append(msg, confirmationContext...)
	msg = append(msg, blobID[:]...)
	msg = binary.BigEndian.AppendUint64(msg, epoch)

	return msg
}

// attestationMessage is the byte string a node signs to attest that a blob
// is inconsistently encoded.
func attestationMessage(blobID encoding.BlobID, epoch uint64) []byte {
	msg := make([]byte, 0, len(attestationContext)+encoding.BlobIDSize+8)
	msg = append(msg, attestationContext...)
	msg = append(msg, blobID[:]...)
	msg = binary.BigEndian.AppendUint64(msg, epoch)

	return msg
}

// SignedStorageConfirmation attests that a node stores all slivers of a blob
// assigned to its shards, bound to the blob ID, the epoch, and the node's
// signing key.
type SignedStorageConfirmation struct {
	BlobID    encoding.BlobID `cbor:"blob_id"`
	Epoch     uint64          `cbor:"epoch"`
	Signature []byte          `cbor:"signature"`
}

// SignConfirmation issues a storage confirmation with the node's key.
func SignConfirmation(key *KeyPair, blobID encoding.BlobID, epoch uint64) *SignedStorageConfirmation {
	return &SignedStorageConfirmation{
		BlobID:    blobID,
		Epoch:     epoch,
		Signature: key.Sign(confirmationMessage(blobID, epoch)),
	}
}

// Verify checks that the confirmation is bound to the expected blob and
// epoch and carries a valid signature under the node's public key.
func (c *SignedStorageConfirmation) Verify(publicKey []byte, blobID encoding.BlobID, epoch uint64) error {
	if c.BlobID != blobID {
		return fmt.Errorf("confirmation is for blob %s, want %s", c.BlobID, blobID)
	}

	if c.Epoch != epoch {
		return fmt.Errorf("confirmation is for epoch %d, want %d", c.Epoch, epoch)
	}

	if !VerifySignature(c.Signature, confirmationMessage(blobID, epoch), publicKey) {
		return fmt.Errorf("confirmation signature for blob %s is invalid", blobID)
	}

	return nil
}

// InconsistencyProof identifies a sliver that provably does not match the
// blob metadata it was stored under. The core treats it as an opaque payload
// submitted to nodes for attestation.
type InconsistencyProof struct {
	PairIndex encoding.SliverPairIndex `cbor:"pair_index"`
	Axis      encoding.SliverAxis      `cbor:"axis"`
	Sliver    encoding.Sliver          `cbor:"sliver"`
}

// InvalidBlobAttestation is a node's signed statement that a blob is
// inconsistently encoded, obtained by submitting an inconsistency proof.
type InvalidBlobAttestation struct {
	BlobID    encoding.BlobID `cbor:"blob_id"`
	Epoch     uint64          `cbor:"epoch"`
	Signature []byte          `cbor:"signature"`
}

// SignAttestation issues an invalid-blob attestation with the node's key.
func SignAttestation(key *KeyPair, blobID encoding.BlobID, epoch uint64) *InvalidBlobAttestation {
	return &InvalidBlobAttestation{
		BlobID:    blobID,
		Epoch:     epoch,
		Signature: key.Sign(attestationMessage(blobID, epoch)),
	}
}

// Verify checks the attestation binding and signature.
func (a *InvalidBlobAttestation) Verify(publicKey []byte, blobID encoding.BlobID, epoch uint64) error {
	if a.BlobID != blobID {
		return fmt.Errorf("attestation is for blob %s, want %s", a.BlobID, blobID)
	}

	if a.Epoch != epoch {
		return fmt.Errorf("attestation is for epoch %d, want %d", a.Epoch, epoch)
	}

	if !VerifySignature(a.Signature, attestationMessage(blobID, epoch), publicKey) {
		return fmt.Errorf("attestation signature for blob %s is invalid", blobID)
	}

	return nil
}

// StorageCertificate aggregates a quorum of storage confirmations into one
// BLS signature with a bitmap of the signing members.
type StorageCertificate struct {
	BlobID             encoding.BlobID `cbor:"blob_id"`
	Epoch              uint64          `cbor:"epoch"`
	SignerBitmap       []byte          `cbor:"signers"`
	AggregateSignature []byte          `cbor:"signature"`
	ConfirmedWeight    int             `cbor:"weight"`
}

// NewStorageCertificate aggregates per-node confirmations. signers holds the
// committee indices of the confirming nodes, in the same order as the
// confirmations; total is the committee size.
func NewStorageCertificate(
	blobID encoding.BlobID,
	epoch uint64,
	signers []int,
	confirmations []*SignedStorageConfirmation,
	total int,
	weight int,
) (*StorageCertificate, error) {
	if len(signers) != len(confirmations) {
		return nil, fmt.Errorf("got %d signers for %d confirmations", len(signers), len(confirmations))
	}

	signatures := make([][]byte, len(confirmations))
	for i, c := range confirmations {
		signatures[i] = c.Signature
	}

	agg, err := AggregateSignatures(signatures)
	if err != nil {
		return nil, fmt.Errorf("aggregate confirmations:\n%w", err)
	}

	return &StorageCertificate{
		BlobID:             blobID,
		Epoch:              epoch,
		SignerBitmap:       BuildSignerBitmap(signers, total),
		AggregateSignature: agg,
		ConfirmedWeight:    weight,
	}, nil
}

// Verify checks the aggregate signature against the public keys of the
// members marked in the signer bitmap. memberKeys is the full committee key
// list, indexed by member position.
func (c *StorageCertificate) Verify(memberKeys [][]byte) error {
	signers := ParseSignerBitmap(c.SignerBitmap)
	if len(signers) == 0 {
		return fmt.Errorf("certificate has no signers")
	}

	keys := make([][]byte, len(signers))
	for i, idx := range signers {
		if idx >= len(memberKeys) {
			return fmt.Errorf("signer index %d out of range", idx)
		}
		keys[i] = memberKeys[idx]
	}

	if !VerifyAggregated(c.AggregateSignature, confirmationMessage(c.BlobID, c.Epoch), keys) {
		return fmt.Errorf("aggregate confirmation signature is invalid")
	}

	return nil
}

// Equal reports whether two certificates are identical.
func (c *StorageCertificate) Equal(other *StorageCertificate) bool {
	return c.BlobID == other.BlobID &&
		c.Epoch == other.Epoch &&
		c.ConfirmedWeight == other.ConfirmedWeight &&
		bytes.Equal(c.SignerBitmap, other.SignerBitmap) &&
		bytes.Equal(c.AggregateSignature, other.AggregateSignature)
}
