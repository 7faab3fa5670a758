// Package client orchestrates blob operations across a whole committee: it
// fans requests out to every storage node through the per-node communication
// layer and aggregates the weighted results into quorum decisions.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"blobnet/internal/bft"
	"blobnet/internal/committee"
	"blobnet/internal/comms"
	"blobnet/internal/encoding"
	"blobnet/internal/logger"
	"blobnet/internal/messages"
	"blobnet/internal/transport"
)

var (
	// ErrQuorumUnreachable is returned when too much weight has failed for
	// the operation's threshold to still be reached.
	ErrQuorumUnreachable = errors.New("quorum unreachable")

	// ErrMetadataUnavailable is returned when no node produced verifiable
	// metadata for the requested blob.
	ErrMetadataUnavailable = errors.New("metadata unavailable")
)

// Config holds the committee-wide client settings.
type Config struct {
	// Rate bounds the request load per node.
	Rate comms.RequestRateConfig

	// MaxGlobalConnections bounds concurrent requests across all nodes.
	// Zero means the default.
	MaxGlobalConnections int64

	// Transport configures the HTTP clients built for each node.
	Transport transport.Config

	// CachePath enables the local metadata cache when non-empty.
	CachePath string

	// NewNodeClient overrides how the per-node transport is built. Used by
	// tests to run against in-process nodes.
	NewNodeClient func(node *committee.StorageNode) (comms.NodeClient, error)
}

// Client runs blob operations against one committee epoch.
type Client struct {
	committee      *committee.Committee
	encodingConfig *encoding.Config
	comms          []*comms.NodeCommunication
	closers        []io.Closer
	cache          *Cache
	log            *slog.Logger
}

// New builds the client and one communication channel per committee member.
func New(cttee *committee.Committee, cfg Config) (*Client, error) {
	encodingConfig, err := encoding.NewConfig(cttee.NShards())
	if err != nil {
		return nil, err
	}

	if cfg.Rate == (comms.RequestRateConfig{}) {
		cfg.Rate = comms.DefaultRequestRateConfig()
	}

	if cfg.MaxGlobalConnections == 0 {
		cfg.MaxGlobalConnections = comms.DefaultMaxGlobalConnections
	}

	newNodeClient := cfg.NewNodeClient
	if newNodeClient == nil {
		newNodeClient = func(node *committee.StorageNode) (comms.NodeClient, error) {
			return transport.NewClient(nodeBaseURL(node.Address), cfg.Transport)
		}
	}

	c := &Client{
		committee:      cttee,
		encodingConfig: encodingConfig,
		log:            logger.With("epoch", cttee.Epoch()),
	}

	global := comms.NewGlobalLimit(cfg.MaxGlobalConnections)

	for i := 0; i < cttee.NMembers(); i++ {
		member := cttee.Member(i)

		nodeClient, err := newNodeClient(member)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("build client for node %d:\n%w", i, err)
		}

		if closer, ok := nodeClient.(io.Closer); ok {
			c.closers = append(c.closers, closer)
		}

		nc, err := comms.New(i, cttee.Epoch(), nodeClient, member, encodingConfig, cfg.Rate, global)
		if err != nil {
			c.Close()
			return nil, err
		}

		c.comms = append(c.comms, nc)
	}

	if cfg.CachePath != "" {
		cache, err := OpenCache(cfg.CachePath)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("open metadata cache:\n%w", err)
		}
		c.cache = cache
	}

	logger.Info("client ready",
		"epoch", cttee.Epoch(),
		"nodes", cttee.NMembers(),
		"shards", cttee.NShards(),
	)

	return c, nil
}

// nodeBaseURL turns a committee address into a transport base URL.
func nodeBaseURL(address string) string {
	if strings.Contains(address, "://") {
		return address
	}

	return "http://" + address
}

// EncodingConfig returns the encoding parameters derived from the committee.
func (c *Client) EncodingConfig() *encoding.Config {
	return c.encodingConfig
}

// Close releases the per-node transports and the cache.
func (c *Client) Close() error {
	var firstErr error

	for _, closer := range c.closers {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.cache != nil {
		if err := c.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Store distributes the blob's metadata and sliver pairs across the
// committee and returns a storage certificate once a write quorum of 2f+1
// shards has confirmed. Each node receives exactly the pairs assigned to its
// shards. The operation ends as soon as the quorum is certain either way;
// nodes still in flight are abandoned via context cancellation.
func (c *Client) Store(
	ctx context.Context,
	meta *encoding.VerifiedMetadata,
	pairs []encoding.SliverPair,
) (*messages.StorageCertificate, error) {
	start := time.Now()
	nShards := c.committee.NShards()

	if len(pairs) != int(nShards) {
		return nil, fmt.Errorf("got %d sliver pairs for %d shards", len(pairs), nShards)
	}

	threshold := int(bft.QuorumThreshold(nShards))

	c.log.Info("storing blob",
		"blob", meta.BlobID(),
		"nodes", c.committee.NMembers(),
		"quorum", threshold,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan comms.NodeResult[*messages.SignedStorageConfirmation], len(c.comms))

	for i, nc := range c.comms {
		go func(i int, nc *comms.NodeCommunication) {
			results <- nc.StoreMetadataAndPairs(ctx, meta, c.pairsForNode(i, meta.BlobID(), pairs))
		}(i, nc)
	}

	tally := comms.NewWeightTally(int(c.committee.TotalWeight()), threshold)

	var (
		signers       []int
		confirmations []*messages.SignedStorageConfirmation
	)

	for range c.comms {
		res := <-results

		if !res.Ok() {
			c.log.Warn("node failed to store", "node", res.Node, "error", res.Err)
			tally.Record(res.Weight, false)

			if tally.Unreachable() {
				return nil, fmt.Errorf("store blob %s: confirmed %d of %d shards:\n%w",
					meta.BlobID(), tally.Confirmed(), threshold, ErrQuorumUnreachable)
			}

			continue
		}

		tally.Record(res.Weight, true)
		signers = append(signers, res.Node)
		confirmations = append(confirmations, res.Value)

		if tally.QuorumReached() {
			c.log.Info("write quorum reached",
				"blob", meta.BlobID(),
				"confirmed", tally.Confirmed(),
				"nodes", len(signers),
				logger.Timed(start),
			)

			return messages.NewStorageCertificate(
				meta.BlobID(),
				c.committee.Epoch(),
				signers,
				confirmations,
				c.committee.NMembers(),
				tally.Confirmed(),
			)
		}
	}

	return nil, fmt.Errorf("store blob %s: confirmed %d of %d shards:\n%w",
		meta.BlobID(), tally.Confirmed(), threshold, ErrQuorumUnreachable)
}

// pairsForNode selects the sliver pairs a node must store: one per shard it
// owns, under the blob's shard-to-pair rotation.
func (c *Client) pairsForNode(nodeIndex int, blobID encoding.BlobID, pairs []encoding.SliverPair) []encoding.SliverPair {
	member := c.committee.Member(nodeIndex)

	assigned := make([]encoding.SliverPair, 0, len(member.Shards))
	for _, shard := range member.Shards {
		assigned = append(assigned, pairs[shard.PairIndex(c.committee.NShards(), blobID)])
	}

	return assigned
}

// ReadMetadata fetches the verified metadata for a blob: the cache first,
// then every node concurrently with the first verified response winning.
func (c *Client) ReadMetadata(ctx context.Context, blobID encoding.BlobID) (*encoding.VerifiedMetadata, error) {
	if c.cache != nil {
		if meta, ok := c.cache.Get(blobID, c.encodingConfig); ok {
			c.log.Debug("metadata cache hit", "blob", blobID)
			return meta, nil
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan comms.NodeResult[*encoding.VerifiedMetadata], len(c.comms))

	for _, nc := range c.comms {
		go func(nc *comms.NodeCommunication) {
			results <- nc.RetrieveVerifiedMetadata(ctx, blobID)
		}(nc)
	}

	for range c.comms {
		res := <-results
		if !res.Ok() {
			c.log.Debug("metadata miss", "node", res.Node, "error", res.Err)
			continue
		}

		if c.cache != nil {
			if err := c.cache.Put(res.Value); err != nil {
				c.log.Warn("could not cache metadata", "blob", blobID, "error", err)
			}
		}

		return res.Value, nil
	}

	return nil, fmt.Errorf("read metadata for blob %s from %d nodes:\n%w",
		blobID, c.committee.NMembers(), ErrMetadataUnavailable)
}

// ReadSlivers collects verified slivers along one axis until enough are held
// to decode the blob: n-2f for the primary axis, n-f for the secondary. One
// request per shard, routed to the owning node.
func (c *Client) ReadSlivers(
	ctx context.Context,
	meta *encoding.VerifiedMetadata,
	axis encoding.SliverAxis,
) ([]*encoding.Sliver, error) {
	primary, secondary := c.encodingConfig.SourceSymbols()

	threshold := int(primary)
	if axis == encoding.Secondary {
		threshold = int(secondary)
	}

	nShards := c.committee.NShards()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan comms.NodeResult[*encoding.Sliver], nShards)

	for shard := encoding.ShardIndex(0); shard < encoding.ShardIndex(nShards); shard++ {
		nc := c.comms[c.committee.MemberForShard(shard)]

		go func(nc *comms.NodeCommunication, shard encoding.ShardIndex) {
			results <- nc.RetrieveVerifiedSliver(ctx, meta, shard, axis)
		}(nc, shard)
	}

	tally := comms.NewWeightTally(int(c.committee.TotalWeight()), threshold)
	slivers := make([]*encoding.Sliver, 0, threshold)

	for i := 0; i < int(nShards); i++ {
		res := <-results

		tally.Record(res.Weight, res.Ok())

		if res.Ok() {
			slivers = append(slivers, res.Value)

			if tally.QuorumReached() {
				return slivers, nil
			}

			continue
		}

		c.log.Debug("sliver miss", "node", res.Node, "error", res.Err)

		if tally.Unreachable() {
			break
		}
	}

	return nil, fmt.Errorf("read %s slivers for blob %s: got %d of %d:\n%w",
		axis, meta.BlobID(), len(slivers), threshold, ErrQuorumUnreachable)
}

// SubmitInconsistencyProof distributes an inconsistency proof to the whole
// committee and collects signed invalid-blob attestations until a quorum of
// 2f+1 shards has attested.
func (c *Client) SubmitInconsistencyProof(
	ctx context.Context,
	blobID encoding.BlobID,
	proof *messages.InconsistencyProof,
) ([]*messages.InvalidBlobAttestation, error) {
	nShards := c.committee.NShards()
	threshold := int(bft.QuorumThreshold(nShards))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan comms.NodeResult[*messages.InvalidBlobAttestation], len(c.comms))

	for _, nc := range c.comms {
		go func(nc *comms.NodeCommunication) {
			results <- nc.SubmitInconsistencyProof(ctx, blobID, proof)
		}(nc)
	}

	tally := comms.NewWeightTally(int(c.committee.TotalWeight()), threshold)

	var attestations []*messages.InvalidBlobAttestation

	for range c.comms {
		res := <-results

		tally.Record(res.Weight, res.Ok())

		if res.Ok() {
			attestations = append(attestations, res.Value)

			if tally.QuorumReached() {
				return attestations, nil
			}
		} else if tally.Unreachable() {
			break
		}
	}

	return nil, fmt.Errorf("attest blob %s: confirmed %d of %d shards:\n%w",
		blobID, tally.Confirmed(), threshold, ErrQuorumUnreachable)
}
