package client

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"

	"blobnet/internal/encoding"
)

// Cache is a local store of verified blob metadata, keyed by blob ID. It
// saves the metadata round trip when the same blob is read repeatedly.
//
// Entries are re-verified against the blob ID on every read, so a corrupted
// database degrades to a cache miss rather than bad metadata.
type Cache struct {
	db *pebble.DB
}

// OpenCache opens or creates the cache at the given path.
func OpenCache(path string) (*Cache, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(8 << 20),
		MemTableSize: 4 << 20,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	return &Cache{db: db}, nil
}

// Get returns the cached metadata for a blob ID, or false when it is absent
// or no longer verifiable.
func (c *Cache) Get(blobID encoding.BlobID, cfg *encoding.Config) (*encoding.VerifiedMetadata, bool) {
	value, closer, err := c.db.Get(blobID[:])
	if err != nil {
		return nil, false
	}
	defer closer.Close()

	var meta encoding.BlobMetadata
	if err := cbor.Unmarshal(value, &meta); err != nil {
		return nil, false
	}

	verified, err := encoding.VerifyMetadata(blobID, &meta, cfg)
	if err != nil {
		return nil, false
	}

	return verified, true
}

// Put stores verified metadata under its blob ID.
func (c *Cache) Put(meta *encoding.VerifiedMetadata) error {
	value, err := cbor.Marshal(meta.Metadata())
	if err != nil {
		return fmt.Errorf("encode metadata:\n%w", err)
	}

	blobID := meta.BlobID()

	return c.db.Set(blobID[:], value, pebble.NoSync)
}

// Delete removes a blob's metadata from the cache.
func (c *Cache) Delete(blobID encoding.BlobID) error {
	return c.db.Delete(blobID[:], pebble.NoSync)
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}
