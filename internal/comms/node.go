package comms

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"blobnet/internal/committee"
	"blobnet/internal/encoding"
	"blobnet/internal/logger"
	"blobnet/internal/messages"
)

// NodeClient is the node-operations surface the communication layer drives.
// Every call is a single network round trip returning either the verified
// payload or an error; the layer never interprets error subtypes.
//
// It is implemented by the HTTP transport client and by in-process test
// doubles, so the retry and concurrency logic is exercised identically with
// and without real I/O.
type NodeClient interface {
	GetAndVerifyMetadata(ctx context.Context, blobID encoding.BlobID, cfg *encoding.Config) (*encoding.VerifiedMetadata, error)
	GetAndVerifySliver(ctx context.Context, meta *encoding.VerifiedMetadata, cfg *encoding.Config, pairIndex encoding.SliverPairIndex, axis encoding.SliverAxis) (*encoding.Sliver, error)
	StoreMetadata(ctx context.Context, meta *encoding.VerifiedMetadata) error
	StoreSliver(ctx context.Context, blobID encoding.BlobID, sliver *encoding.Sliver) error
	GetAndVerifyConfirmation(ctx context.Context, blobID encoding.BlobID, epoch uint64, publicKey []byte) (*messages.SignedStorageConfirmation, error)
	SubmitInconsistencyProofAndVerifyAttestation(ctx context.Context, proof *messages.InconsistencyProof, blobID encoding.BlobID, epoch uint64, publicKey []byte) (*messages.InvalidBlobAttestation, error)
}

// NodeCommunication handles all interaction with exactly one storage node
// for one protocol round. It owns the node's transport handle and per-node
// connection limit and shares the global limit with its sibling clients.
// Created fresh per round, discarded when the round ends.
type NodeCommunication struct {
	nodeIndex      int
	epoch          uint64
	node           *committee.StorageNode
	encodingConfig *encoding.Config
	client         NodeClient
	config         RequestRateConfig
	nodeLimit      *semaphore.Weighted
	globalLimit    *semaphore.Weighted
	log            *slog.Logger
}

// New creates the communication client for one committee member.
// It fails with ErrInvalidConfig if the node owns no shards: such a node
// cannot produce a meaningful weight and indicates a malformed committee.
func New(
	nodeIndex int,
	epoch uint64,
	client NodeClient,
	node *committee.StorageNode,
	encodingConfig *encoding.Config,
	config RequestRateConfig,
	globalLimit *semaphore.Weighted,
) (*NodeCommunication, error) {
	if node.NOwnedShards() == 0 {
		return nil, fmt.Errorf("node %d owns no shards:\n%w", nodeIndex, ErrInvalidConfig)
	}

	logger.Debug("initializing communication with node",
		"node", nodeIndex,
		"max_node_connections", config.MaxNodeConnections,
	)

	return &NodeCommunication{
		nodeIndex:      nodeIndex,
		epoch:          epoch,
		node:           node,
		encodingConfig: encodingConfig,
		client:         client,
		config:         config,
		nodeLimit:      semaphore.NewWeighted(config.MaxNodeConnections),
		globalLimit:    globalLimit,
		log: logger.With(
			"node", nodeIndex,
			"epoch", epoch,
			"pk_prefix", keyPrefix(node.PublicKey),
		),
	}, nil
}

// keyPrefix returns a short hex prefix of a public key for logging.
func keyPrefix(key []byte) string {
	if len(key) > 4 {
		key = key[:4]
	}

	return hex.EncodeToString(key)
}

// NShards returns the committee-wide shard count.
func (nc *NodeCommunication) NShards() uint16 {
	return nc.encodingConfig.NShards()
}

// NOwnedShards returns the number of shards owned by the node.
func (nc *NodeCommunication) NOwnedShards() uint16 {
	return nc.node.NOwnedShards()
}

// nodeResult wraps an outcome in the uniform weighted envelope.
func nodeResult[T any](nc *NodeCommunication, weight int, value T, err error) NodeResult[T] {
	return NodeResult[T]{
		Epoch:  nc.epoch,
		Weight: weight,
		Node:   nc.nodeIndex,
		Value:  value,
		Err:    err,
	}
}

// Read operations.

// RetrieveVerifiedMetadata requests the metadata for a blob ID from the
// node. Single request, no retry; a miss is reported immediately. Any
// success attests the node's full shard set, since metadata is shard
// independent.
func (nc *NodeCommunication) RetrieveVerifiedMetadata(ctx context.Context, blobID encoding.BlobID) NodeResult[*encoding.VerifiedMetadata] {
	nc.log.Debug("retrieving metadata", "blob", blobID)

	var meta *encoding.VerifiedMetadata

	err := nc.withLimits(ctx, func(ctx context.Context) error {
		var err error
		meta, err = nc.client.GetAndVerifyMetadata(ctx, blobID, nc.encodingConfig)
		return err
	})

	return nodeResult(nc, int(nc.NOwnedShards()), meta, err)
}

// RetrieveVerifiedSliver requests one sliver from the node and verifies it
// against the metadata and encoding config. The shard index is mapped to
// the blob's sliver-pair index space. Weight is 1: one shard's worth of
// evidence.
func (nc *NodeCommunication) RetrieveVerifiedSliver(
	ctx context.Context,
	meta *encoding.VerifiedMetadata,
	shard encoding.ShardIndex,
	axis encoding.SliverAxis,
) NodeResult[*encoding.Sliver] {
	nc.log.Debug("retrieving verified sliver", "shard", shard, "axis", axis)

	pairIndex := shard.PairIndex(nc.NShards(), meta.BlobID())

	var sliver *encoding.Sliver

	err := nc.withLimits(ctx, func(ctx context.Context) error {
		var err error
		sliver, err = nc.client.GetAndVerifySliver(ctx, meta, nc.encodingConfig, pairIndex, axis)
		return err
	})

	return nodeResult(nc, 1, sliver, err)
}

// Write operations.

// StoreMetadataAndPairs stores metadata and sliver pairs on the node, then
// requests a signed storage confirmation. The pipeline short-circuits on
// the first failed stage: metadata (with retries), then all slivers
// concurrently, then the confirmation (no retry; its failure already ends
// the pipeline). Weight on success is the node's owned-shard count, since a
// confirmation attests the node's full shard set.
func (nc *NodeCommunication) StoreMetadataAndPairs(
	ctx context.Context,
	meta *encoding.VerifiedMetadata,
	pairs []encoding.SliverPair,
) NodeResult[*messages.SignedStorageConfirmation] {
	nc.log.Debug("storing metadata and sliver pairs", "pairs", len(pairs))

	confirmation, err := func() (*messages.SignedStorageConfirmation, error) {
		if err := nc.storeMetadataWithRetries(ctx, meta); err != nil {
			return nil, &StoreError{Stage: StoreStageMetadata, Err: err}
		}

		if err := nc.storePairs(ctx, meta.BlobID(), pairs); err != nil {
			return nil, err
		}

		var confirmation *messages.SignedStorageConfirmation

		err := nc.withLimits(ctx, func(ctx context.Context) error {
			var err error
			confirmation, err = nc.client.GetAndVerifyConfirmation(ctx, meta.BlobID(), nc.epoch, nc.node.PublicKey)
			return err
		})
		if err != nil {
			return nil, &StoreError{Stage: StoreStageConfirmation, Err: err}
		}

		return confirmation, nil
	}()

	return nodeResult(nc, int(nc.NOwnedShards()), confirmation, err)
}

// SubmitInconsistencyProof submits an inconsistency proof and returns the
// node's signed invalid-blob attestation. Weight is the node's owned-shard
// count.
func (nc *NodeCommunication) SubmitInconsistencyProof(
	ctx context.Context,
	blobID encoding.BlobID,
	proof *messages.InconsistencyProof,
) NodeResult[*messages.InvalidBlobAttestation] {
	nc.log.Debug("submitting inconsistency proof", "blob", blobID)

	var attestation *messages.InvalidBlobAttestation

	err := nc.withLimits(ctx, func(ctx context.Context) error {
		var err error
		attestation, err = nc.client.SubmitInconsistencyProofAndVerifyAttestation(ctx, proof, blobID, nc.epoch, nc.node.PublicKey)
		return err
	})

	return nodeResult(nc, int(nc.NOwnedShards()), attestation, err)
}

// storeMetadataWithRetries uploads the blob metadata, retrying per the
// node's backoff strategy.
func (nc *NodeCommunication) storeMetadataWithRetries(ctx context.Context, meta *encoding.VerifiedMetadata) error {
	return nc.withRetries(ctx, func(ctx context.Context) error {
		return nc.withLimits(ctx, func(ctx context.Context) error {
			return nc.client.StoreMetadata(ctx, meta)
		})
	})
}

// storePairs stores every sliver of every pair as one unordered set of
// concurrent tasks. The first sliver to fail terminally ends the operation:
// a confirmation for this node is already impossible, so further spend on
// it is wasted. In-flight siblings are abandoned, not aborted; the buffered
// channel lets them drain without a reader.
func (nc *NodeCommunication) storePairs(ctx context.Context, blobID encoding.BlobID, pairs []encoding.SliverPair) error {
	slivers := make([]*encoding.Sliver, 0, 2*len(pairs))
	for i := range pairs {
		slivers = append(slivers, &pairs[i].Primary, &pairs[i].Secondary)
	}

	results := make(chan *SliverStoreError, len(slivers))

	var wg sync.WaitGroup

	for _, sliver := range slivers {
		wg.Add(1)

		go func(s *encoding.Sliver) {
			defer wg.Done()
			results <- nc.storeSliver(ctx, blobID, s)
		}(sliver)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	stored := 0

	for res := range results {
		if res != nil {
			nc.log.Warn("could not store sliver after retrying; stopping storing on this node",
				"pair", res.PairIndex,
				"axis", res.Axis,
				"max_retries", nc.config.MaxRetries,
				"error", res.Err,
			)

			return res
		}

		stored++
		nc.log.Debug("sliver stored", "progress", fmt.Sprintf("%d/%d", stored, len(slivers)))
	}

	return nil
}

// storeSliver uploads one sliver with retries, tagging a terminal failure
// with the fragment's pair index and axis.
func (nc *NodeCommunication) storeSliver(ctx context.Context, blobID encoding.BlobID, sliver *encoding.Sliver) *SliverStoreError {
	err := nc.withRetries(ctx, func(ctx context.Context) error {
		return nc.withLimits(ctx, func(ctx context.Context) error {
			return nc.client.StoreSliver(ctx, blobID, sliver)
		})
	})
	if err != nil {
		return &SliverStoreError{PairIndex: sliver.PairIndex, Axis: sliver.Axis, Err: err}
	}

	return nil
}
