package comms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"blobnet/internal/committee"
	"blobnet/internal/encoding"
	"blobnet/internal/messages"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubNode is an in-process NodeClient double. Nil handlers succeed with
// zero values, so tests only wire the behavior they exercise.
type stubNode struct {
	getMetadata     func(ctx context.Context, blobID encoding.BlobID) (*encoding.VerifiedMetadata, error)
	getSliver       func(ctx context.Context, pairIndex encoding.SliverPairIndex, axis encoding.SliverAxis) (*encoding.Sliver, error)
	storeMetadata   func(ctx context.Context) error
	storeSliver     func(ctx context.Context, sliver *encoding.Sliver) error
	getConfirmation func(ctx context.Context, blobID encoding.BlobID, epoch uint64) (*messages.SignedStorageConfirmation, error)
	submitProof     func(ctx context.Context) (*messages.InvalidBlobAttestation, error)
}

func (s *stubNode) GetAndVerifyMetadata(ctx context.Context, blobID encoding.BlobID, _ *encoding.Config) (*encoding.VerifiedMetadata, error) {
	if s.getMetadata == nil {
		return nil, nil
	}
	return s.getMetadata(ctx, blobID)
}

func (s *stubNode) GetAndVerifySliver(ctx context.Context, _ *encoding.VerifiedMetadata, _ *encoding.Config, pairIndex encoding.SliverPairIndex, axis encoding.SliverAxis) (*encoding.Sliver, error) {
	if s.getSliver == nil {
		return &encoding.Sliver{Axis: axis, PairIndex: pairIndex}, nil
	}
	return s.getSliver(ctx, pairIndex, axis)
}

func (s *stubNode) StoreMetadata(ctx context.Context, _ *encoding.VerifiedMetadata) error {
	if s.storeMetadata == nil {
		return nil
	}
	return s.storeMetadata(ctx)
}

func (s *stubNode) StoreSliver(ctx context.Context, _ encoding.BlobID, sliver *encoding.Sliver) error {
	if s.storeSliver == nil {
		return nil
	}
	return s.storeSliver(ctx, sliver)
}

func (s *stubNode) GetAndVerifyConfirmation(ctx context.Context, blobID encoding.BlobID, epoch uint64, _ []byte) (*messages.SignedStorageConfirmation, error) {
	if s.getConfirmation == nil {
		return &messages.SignedStorageConfirmation{BlobID: blobID, Epoch: epoch}, nil
	}
	return s.getConfirmation(ctx, blobID, epoch)
}

func (s *stubNode) SubmitInconsistencyProofAndVerifyAttestation(ctx context.Context, _ *messages.InconsistencyProof, blobID encoding.BlobID, epoch uint64, _ []byte) (*messages.InvalidBlobAttestation, error) {
	if s.submitProof == nil {
		return &messages.InvalidBlobAttestation{BlobID: blobID, Epoch: epoch}, nil
	}
	return s.submitProof(ctx)
}

// testRate keeps retry delays tiny so exhaustion tests stay fast.
func testRate(maxRetries int) RequestRateConfig {
	return RequestRateConfig{
		MaxNodeConnections: 8,
		MinBackoff:         time.Millisecond,
		MaxBackoff:         2 * time.Millisecond,
		MaxRetries:         maxRetries,
	}
}

// testBlob builds a verified metadata fixture with a full set of pairs.
func testBlob(t *testing.T, cfg *encoding.Config) (*encoding.VerifiedMetadata, []encoding.SliverPair) {
	t.Helper()

	pairs := make([]encoding.SliverPair, cfg.NShards())
	for i := range pairs {
		idx := encoding.SliverPairIndex(i)
		pairs[i] = encoding.SliverPair{
			Index:     idx,
			Primary:   encoding.Sliver{Axis: encoding.Primary, PairIndex: idx, Symbols: []byte{byte(i), 1}},
			Secondary: encoding.Sliver{Axis: encoding.Secondary, PairIndex: idx, Symbols: []byte{byte(i), 2}},
		}
	}

	meta := encoding.NewMetadata(64, pairs)

	blobID, err := encoding.ComputeBlobID(meta)
	if err != nil {
		t.Fatal(err)
	}

	verified, err := encoding.VerifyMetadata(blobID, meta, cfg)
	if err != nil {
		t.Fatal(err)
	}

	return verified, pairs
}

// newTestComm builds a NodeCommunication against the stub for a node owning
// the given shards.
func newTestComm(t *testing.T, client NodeClient, shards []encoding.ShardIndex, rate RequestRateConfig) *NodeCommunication {
	t.Helper()

	cfg, err := encoding.NewConfig(10)
	if err != nil {
		t.Fatal(err)
	}

	node := &committee.StorageNode{
		Address:   "127.0.0.1:0",
		PublicKey: make([]byte, messages.PublicKeySize),
		Shards:    shards,
	}

	nc, err := New(1, 5, client, node, cfg, rate, NewGlobalLimit(100))
	if err != nil {
		t.Fatal(err)
	}

	return nc
}

func TestNewRejectsZeroShards(t *testing.T) {
	cfg, err := encoding.NewConfig(10)
	if err != nil {
		t.Fatal(err)
	}

	node := &committee.StorageNode{Address: "127.0.0.1:0"}

	_, err = New(0, 1, &stubNode{}, node, cfg, testRate(1), NewGlobalLimit(10))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v, want ErrInvalidConfig", err)
	}
}

func TestRetrieveVerifiedMetadata(t *testing.T) {
	cfg, _ := encoding.NewConfig(10)
	meta, _ := testBlob(t, cfg)

	stub := &stubNode{
		getMetadata: func(_ context.Context, _ encoding.BlobID) (*encoding.VerifiedMetadata, error) {
			return meta, nil
		},
	}

	nc := newTestComm(t, stub, []encoding.ShardIndex{0, 1, 2}, testRate(1))

	res := nc.RetrieveVerifiedMetadata(context.Background(), meta.BlobID())

	if !res.Ok() {
		t.Fatalf("retrieve failed: %v", res.Err)
	}

	// Metadata is shard independent: any success attests the full owned set.
	if res.Weight != 3 {
		t.Errorf("weight = %d, want 3", res.Weight)
	}

	if res.Epoch != 5 || res.Node != 1 {
		t.Errorf("envelope = (epoch %d, node %d), want (5, 1)", res.Epoch, res.Node)
	}

	if res.Value != meta {
		t.Error("envelope does not carry the verified metadata")
	}
}

func TestRetrieveVerifiedMetadataFailure(t *testing.T) {
	stub := &stubNode{
		getMetadata: func(_ context.Context, _ encoding.BlobID) (*encoding.VerifiedMetadata, error) {
			return nil, fmt.Errorf("metadata not found")
		},
	}

	nc := newTestComm(t, stub, []encoding.ShardIndex{0}, testRate(1))

	res := nc.RetrieveVerifiedMetadata(context.Background(), encoding.BlobID{})

	if res.Ok() {
		t.Fatal("failure not reported")
	}

	if res.Weight != 1 {
		t.Errorf("weight = %d, want 1", res.Weight)
	}
}

func TestRetrieveVerifiedSliverMapsShardToPair(t *testing.T) {
	cfg, _ := encoding.NewConfig(10)
	meta, _ := testBlob(t, cfg)

	var requested encoding.SliverPairIndex

	stub := &stubNode{
		getSliver: func(_ context.Context, pairIndex encoding.SliverPairIndex, axis encoding.SliverAxis) (*encoding.Sliver, error) {
			requested = pairIndex
			return &encoding.Sliver{Axis: axis, PairIndex: pairIndex}, nil
		},
	}

	nc := newTestComm(t, stub, []encoding.ShardIndex{4}, testRate(1))

	shard := encoding.ShardIndex(4)
	res := nc.RetrieveVerifiedSliver(context.Background(), meta, shard, encoding.Primary)

	if !res.Ok() {
		t.Fatalf("retrieve failed: %v", res.Err)
	}

	// A single sliver is one shard's worth of evidence.
	if res.Weight != 1 {
		t.Errorf("weight = %d, want 1", res.Weight)
	}

	if want := shard.PairIndex(cfg.NShards(), meta.BlobID()); requested != want {
		t.Errorf("requested pair index %d, want %d", requested, want)
	}
}

func TestStoreMetadataFailureShortCircuits(t *testing.T) {
	cfg, _ := encoding.NewConfig(10)
	meta, pairs := testBlob(t, cfg)

	var metadataAttempts, sliverAttempts atomic.Int32

	stub := &stubNode{
		storeMetadata: func(_ context.Context) error {
			metadataAttempts.Add(1)
			return fmt.Errorf("node unavailable")
		},
		storeSliver: func(_ context.Context, _ *encoding.Sliver) error {
			sliverAttempts.Add(1)
			return nil
		},
	}

	const maxRetries = 2
	nc := newTestComm(t, stub, []encoding.ShardIndex{0, 1}, testRate(maxRetries))

	res := nc.StoreMetadataAndPairs(context.Background(), meta, pairs)

	if res.Ok() {
		t.Fatal("store succeeded against a failing node")
	}

	var storeErr *StoreError
	if !errors.As(res.Err, &storeErr) || storeErr.Stage != StoreStageMetadata {
		t.Fatalf("got %v, want StoreError at the metadata stage", res.Err)
	}

	if got := metadataAttempts.Load(); got != maxRetries+1 {
		t.Errorf("metadata attempts = %d, want %d", got, maxRetries+1)
	}

	if got := sliverAttempts.Load(); got != 0 {
		t.Errorf("sliver storage attempted %d times after metadata failure", got)
	}
}

func TestStoreSliverFailureIdentifiesFragment(t *testing.T) {
	cfg, _ := encoding.NewConfig(10)
	meta, pairs := testBlob(t, cfg)

	const failingPair = encoding.SliverPairIndex(6)

	var confirmations atomic.Int32

	stub := &stubNode{
		storeSliver: func(_ context.Context, sliver *encoding.Sliver) error {
			if sliver.Axis == encoding.Secondary && sliver.PairIndex == failingPair {
				return fmt.Errorf("disk full")
			}
			return nil
		},
		getConfirmation: func(_ context.Context, blobID encoding.BlobID, epoch uint64) (*messages.SignedStorageConfirmation, error) {
			confirmations.Add(1)
			return &messages.SignedStorageConfirmation{BlobID: blobID, Epoch: epoch}, nil
		},
	}

	nc := newTestComm(t, stub, []encoding.ShardIndex{0, 1}, testRate(1))

	res := nc.StoreMetadataAndPairs(context.Background(), meta, pairs)

	if res.Ok() {
		t.Fatal("store succeeded despite a terminally failing sliver")
	}

	var sliverErr *SliverStoreError
	if !errors.As(res.Err, &sliverErr) {
		t.Fatalf("got %v, want SliverStoreError", res.Err)
	}

	if sliverErr.PairIndex != failingPair || sliverErr.Axis != encoding.Secondary {
		t.Errorf("failed fragment reported as (%d, %s), want (%d, secondary)",
			sliverErr.PairIndex, sliverErr.Axis, failingPair)
	}

	if confirmations.Load() != 0 {
		t.Error("confirmation requested after a sliver failure")
	}
}

func TestStoreMetadataAndPairsSuccess(t *testing.T) {
	cfg, _ := encoding.NewConfig(10)
	meta, pairs := testBlob(t, cfg)

	key, err := messages.GenerateKeyFromSeed(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}

	stub := &stubNode{
		getConfirmation: func(_ context.Context, blobID encoding.BlobID, epoch uint64) (*messages.SignedStorageConfirmation, error) {
			return messages.SignConfirmation(key, blobID, epoch), nil
		},
	}

	nc := newTestComm(t, stub, []encoding.ShardIndex{0, 1, 2, 3}, testRate(1))

	res := nc.StoreMetadataAndPairs(context.Background(), meta, pairs)

	if !res.Ok() {
		t.Fatalf("store failed: %v", res.Err)
	}

	// A confirmation attests the node's full shard set.
	if res.Weight != 4 {
		t.Errorf("weight = %d, want 4", res.Weight)
	}

	if err := res.Value.Verify(key.PublicKeyBytes(), meta.BlobID(), 5); err != nil {
		t.Errorf("returned confirmation does not verify: %v", err)
	}
}

func TestStoreMetadataRetriesThenSucceeds(t *testing.T) {
	cfg, _ := encoding.NewConfig(10)
	meta, pairs := testBlob(t, cfg)

	var attempts atomic.Int32

	stub := &stubNode{
		storeMetadata: func(_ context.Context) error {
			if attempts.Add(1) < 3 {
				return fmt.Errorf("transient failure")
			}
			return nil
		},
	}

	nc := newTestComm(t, stub, []encoding.ShardIndex{0}, testRate(3))

	res := nc.StoreMetadataAndPairs(context.Background(), meta, pairs)

	if !res.Ok() {
		t.Fatalf("store failed after transient errors: %v", res.Err)
	}

	if got := attempts.Load(); got != 3 {
		t.Errorf("metadata attempts = %d, want 3", got)
	}
}

func TestStoreConfirmationFailure(t *testing.T) {
	cfg, _ := encoding.NewConfig(10)
	meta, pairs := testBlob(t, cfg)

	stub := &stubNode{
		getConfirmation: func(_ context.Context, _ encoding.BlobID, _ uint64) (*messages.SignedStorageConfirmation, error) {
			return nil, fmt.Errorf("node refuses to sign")
		},
	}

	nc := newTestComm(t, stub, []encoding.ShardIndex{0}, testRate(1))

	res := nc.StoreMetadataAndPairs(context.Background(), meta, pairs)

	var storeErr *StoreError
	if !errors.As(res.Err, &storeErr) || storeErr.Stage != StoreStageConfirmation {
		t.Fatalf("got %v, want StoreError at the confirmation stage", res.Err)
	}
}

func TestSubmitInconsistencyProof(t *testing.T) {
	cfg, _ := encoding.NewConfig(10)
	meta, pairs := testBlob(t, cfg)

	nc := newTestComm(t, &stubNode{}, []encoding.ShardIndex{0, 1}, testRate(1))

	proof := &messages.InconsistencyProof{
		PairIndex: 3,
		Axis:      encoding.Secondary,
		Sliver:    pairs[3].Secondary,
	}

	res := nc.SubmitInconsistencyProof(context.Background(), meta.BlobID(), proof)

	if !res.Ok() {
		t.Fatalf("submit failed: %v", res.Err)
	}

	if res.Weight != 2 {
		t.Errorf("weight = %d, want 2", res.Weight)
	}
}

func TestLimitsRespectCapacities(t *testing.T) {
	const (
		nodeLimit   = 2
		globalLimit = 3
		opsPerNode  = 12
	)

	var globalInFlight, nodeMax, globalMax atomic.Int32

	track := func(counter, max *atomic.Int32) func() {
		cur := counter.Add(1)
		for {
			prev := max.Load()
			if cur <= prev || max.CompareAndSwap(prev, cur) {
				break
			}
		}
		return func() { counter.Add(-1) }
	}

	cfg, err := encoding.NewConfig(10)
	if err != nil {
		t.Fatal(err)
	}

	global := NewGlobalLimit(globalLimit)
	rate := testRate(0)
	rate.MaxNodeConnections = nodeLimit

	comms := make([]*NodeCommunication, 2)

	for i := range comms {
		nodeCounter := &atomic.Int32{}

		stub := &stubNode{
			getMetadata: func(_ context.Context, _ encoding.BlobID) (*encoding.VerifiedMetadata, error) {
				releaseNode := track(nodeCounter, &nodeMax)
				releaseGlobal := track(&globalInFlight, &globalMax)
				time.Sleep(time.Millisecond)
				releaseGlobal()
				releaseNode()
				return nil, nil
			},
		}

		node := &committee.StorageNode{Address: "127.0.0.1:0", Shards: []encoding.ShardIndex{encoding.ShardIndex(i)}}

		nc, err := New(i, 1, stub, node, cfg, rate, global)
		if err != nil {
			t.Fatal(err)
		}
		comms[i] = nc
	}

	var wg sync.WaitGroup
	for _, nc := range comms {
		for i := 0; i < opsPerNode; i++ {
			wg.Add(1)
			go func(nc *NodeCommunication) {
				defer wg.Done()
				nc.RetrieveVerifiedMetadata(context.Background(), encoding.BlobID{})
			}(nc)
		}
	}
	wg.Wait()

	if got := nodeMax.Load(); got > nodeLimit {
		t.Errorf("per-node concurrency reached %d, limit %d", got, nodeLimit)
	}

	if got := globalMax.Load(); got > globalLimit {
		t.Errorf("global concurrency reached %d, limit %d", got, globalLimit)
	}
}

func TestCancellationReleasesPermits(t *testing.T) {
	rate := testRate(0)
	rate.MaxNodeConnections = 1

	blocked := make(chan struct{})

	stub := &stubNode{
		getMetadata: func(ctx context.Context, _ encoding.BlobID) (*encoding.VerifiedMetadata, error) {
			select {
			case <-blocked:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	nc := newTestComm(t, stub, []encoding.ShardIndex{0}, rate)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := nc.RetrieveVerifiedMetadata(ctx, encoding.BlobID{})
			if res.Ok() {
				t.Error("operation succeeded under a canceled context")
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	cancel()
	wg.Wait()

	// All permits must have been released on the cancellation path.
	close(blocked)

	done := make(chan NodeResult[*encoding.VerifiedMetadata], 1)
	go func() {
		done <- nc.RetrieveVerifiedMetadata(context.Background(), encoding.BlobID{})
	}()

	select {
	case res := <-done:
		if !res.Ok() {
			t.Errorf("operation after cancellation failed: %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("permits were not released after cancellation")
	}
}
