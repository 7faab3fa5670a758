// Package transport implements the HTTP client for storage node APIs.
//
// Bodies are CBOR; sliver payloads are additionally zstd compressed since
// they dominate the bytes on the wire. Every read path verifies the payload
// before returning it, so callers only ever see content that matches the
// blob commitment.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/quic-go/quic-go/http3"

	"blobnet/internal/encoding"
	"blobnet/internal/messages"
)

const (
	// defaultRequestTimeout bounds a single request when the caller's
	// context carries no deadline.
	defaultRequestTimeout = 30 * time.Second

	// maxErrorBody bounds how much of an error response is kept for the
	// error message.
	maxErrorBody = 512

	contentTypeCBOR = "application/cbor"
)

// Config holds the transport settings for one node client.
type Config struct {
	// RequestTimeout bounds a single request. Zero means the default.
	RequestTimeout time.Duration

	// UseHTTP3 switches the client to HTTP/3 over QUIC. Requires TLS.
	UseHTTP3 bool

	// TLS is the TLS configuration for HTTP/3 connections.
	TLS *tls.Config
}

// Client talks to one storage node. It implements the node-operations
// surface consumed by the per-node communication layer.
type Client struct {
	baseURL string
	http    *http.Client
	h3      *http3.Transport
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder
	timeout time.Duration
}

// NewClient creates a client for the node at baseURL, e.g.
// "http://10.0.0.7:9185".
func NewClient(baseURL string, cfg Config) (*Client, error) {
	zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder:\n%w", err)
	}

	zdec, err := zstd.NewReader(nil)
	if err != nil {
		zenc.Close()
		return nil, fmt.Errorf("create zstd decoder:\n%w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}

	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		zenc:    zenc,
		zdec:    zdec,
		timeout: timeout,
	}

	if cfg.UseHTTP3 {
		c.h3 = &http3.Transport{TLSClientConfig: cfg.TLS}
		c.http.Transport = c.h3
	}

	return c, nil
}

// Close releases the client's connections and compression state.
func (c *Client) Close() error {
	c.zenc.Close()
	c.zdec.Close()

	if c.h3 != nil {
		return c.h3.Close()
	}

	c.http.CloseIdleConnections()

	return nil
}

// Route builders. Blob IDs travel as hex, axes as their lowercase names.

func (c *Client) metadataURL(blobID encoding.BlobID) string {
	return fmt.Sprintf("%s/v1/blobs/%s/metadata", c.baseURL, blobID)
}

func (c *Client) sliverURL(blobID encoding.BlobID, pairIndex encoding.SliverPairIndex, axis encoding.SliverAxis) string {
	return fmt.Sprintf("%s/v1/blobs/%s/slivers/%d/%s", c.baseURL, blobID, pairIndex, axis)
}

func (c *Client) confirmationURL(blobID encoding.BlobID, epoch uint64) string {
	return fmt.Sprintf("%s/v1/blobs/%s/confirmation?epoch=%d", c.baseURL, blobID, epoch)
}

func (c *Client) inconsistencyURL(blobID encoding.BlobID, epoch uint64) string {
	return fmt.Sprintf("%s/v1/blobs/%s/inconsistency?epoch=%d", c.baseURL, blobID, epoch)
}

func (c *Client) shardSyncURL(shard encoding.ShardIndex, epoch uint64) string {
	return fmt.Sprintf("%s/v1/shards/%d/sync?epoch=%d", c.baseURL, shard, epoch)
}

// do runs one request and returns the response body on the expected status.
// Any other status becomes a NodeError carrying a snippet of the body.
func (c *Client) do(ctx context.Context, op, method, url string, body []byte, wantStatus int) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &NodeError{Op: op, Err: err}
	}

	if body != nil {
		req.Header.Set("Content-Type", contentTypeCBOR)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NodeError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &NodeError{
			Op:     op,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s", bytes.TrimSpace(snippet)),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NodeError{Op: op, Err: fmt.Errorf("read response:\n%w", err)}
	}

	return data, nil
}

// GetAndVerifyMetadata fetches the blob metadata and verifies it against the
// blob ID before returning it.
func (c *Client) GetAndVerifyMetadata(ctx context.Context, blobID encoding.BlobID, cfg *encoding.Config) (*encoding.VerifiedMetadata, error) {
	data, err := c.do(ctx, "get metadata", http.MethodGet, c.metadataURL(blobID), nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var meta encoding.BlobMetadata
	if err := cbor.Unmarshal(data, &meta); err != nil {
		return nil, &NodeError{Op: "get metadata", Err: fmt.Errorf("decode response:\n%w", err)}
	}

	verified, err := encoding.VerifyMetadata(blobID, &meta, cfg)
	if err != nil {
		return nil, &NodeError{Op: "get metadata", Err: err}
	}

	return verified, nil
}

// GetAndVerifySliver fetches one sliver and verifies it against the metadata
// commitment before returning it.
func (c *Client) GetAndVerifySliver(
	ctx context.Context,
	meta *encoding.VerifiedMetadata,
	cfg *encoding.Config,
	pairIndex encoding.SliverPairIndex,
	axis encoding.SliverAxis,
) (*encoding.Sliver, error) {
	url := c.sliverURL(meta.BlobID(), pairIndex, axis)

	data, err := c.do(ctx, "get sliver", http.MethodGet, url, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	raw, err := c.zdec.DecodeAll(data, nil)
	if err != nil {
		return nil, &NodeError{Op: "get sliver", Err: fmt.Errorf("decompress response:\n%w", err)}
	}

	var sliver encoding.Sliver
	if err := cbor.Unmarshal(raw, &sliver); err != nil {
		return nil, &NodeError{Op: "get sliver", Err: fmt.Errorf("decode response:\n%w", err)}
	}

	if sliver.PairIndex != pairIndex || sliver.Axis != axis {
		return nil, &NodeError{Op: "get sliver", Err: fmt.Errorf("node returned %s sliver %d, requested %s sliver %d",
			sliver.Axis, sliver.PairIndex, axis, pairIndex)}
	}

	if err := sliver.Verify(meta, cfg); err != nil {
		return nil, &NodeError{Op: "get sliver", Err: err}
	}

	return &sliver, nil
}

// StoreMetadata uploads the blob metadata.
func (c *Client) StoreMetadata(ctx context.Context, meta *encoding.VerifiedMetadata) error {
	body, err := cbor.Marshal(meta.Metadata())
	if err != nil {
		return &NodeError{Op: "store metadata", Err: fmt.Errorf("encode metadata:\n%w", err)}
	}

	_, err = c.do(ctx, "store metadata", http.MethodPut, c.metadataURL(meta.BlobID()), body, http.StatusOK)

	return err
}

// StoreSliver uploads one sliver, zstd compressed.
func (c *Client) StoreSliver(ctx context.Context, blobID encoding.BlobID, sliver *encoding.Sliver) error {
	raw, err := cbor.Marshal(sliver)
	if err != nil {
		return &NodeError{Op: "store sliver", Err: fmt.Errorf("encode sliver:\n%w", err)}
	}

	url := c.sliverURL(blobID, sliver.PairIndex, sliver.Axis)

	_, err = c.do(ctx, "store sliver", http.MethodPut, url, c.zenc.EncodeAll(raw, nil), http.StatusOK)

	return err
}

// GetAndVerifyConfirmation fetches the node's storage confirmation for the
// blob and epoch and verifies its binding and signature.
func (c *Client) GetAndVerifyConfirmation(ctx context.Context, blobID encoding.BlobID, epoch uint64, publicKey []byte) (*messages.SignedStorageConfirmation, error) {
	data, err := c.do(ctx, "get confirmation", http.MethodGet, c.confirmationURL(blobID, epoch), nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var confirmation messages.SignedStorageConfirmation
	if err := cbor.Unmarshal(data, &confirmation); err != nil {
		return nil, &NodeError{Op: "get confirmation", Err: fmt.Errorf("decode response:\n%w", err)}
	}

	if err := confirmation.Verify(publicKey, blobID, epoch); err != nil {
		return nil, &NodeError{Op: "get confirmation", Err: err}
	}

	return &confirmation, nil
}

// SyncShard asks the node to start synchronizing one of its shards from its
// peers, e.g. after recovering from data loss. The node acknowledges with
// 202 and syncs in the background.
func (c *Client) SyncShard(ctx context.Context, shard encoding.ShardIndex, epoch uint64) error {
	_, err := c.do(ctx, "sync shard", http.MethodPost, c.shardSyncURL(shard, epoch), nil, http.StatusAccepted)

	return err
}

// SubmitInconsistencyProofAndVerifyAttestation submits an inconsistency
// proof and verifies the returned invalid-blob attestation.
func (c *Client) SubmitInconsistencyProofAndVerifyAttestation(
	ctx context.Context,
	proof *messages.InconsistencyProof,
	blobID encoding.BlobID,
	epoch uint64,
	publicKey []byte,
) (*messages.InvalidBlobAttestation, error) {
	body, err := cbor.Marshal(proof)
	if err != nil {
		return nil, &NodeError{Op: "submit inconsistency proof", Err: fmt.Errorf("encode proof:\n%w", err)}
	}

	data, err := c.do(ctx, "submit inconsistency proof", http.MethodPost, c.inconsistencyURL(blobID, epoch), body, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var attestation messages.InvalidBlobAttestation
	if err := cbor.Unmarshal(data, &attestation); err != nil {
		return nil, &NodeError{Op: "submit inconsistency proof", Err: fmt.Errorf("decode response:\n%w", err)}
	}

	if err := attestation.Verify(publicKey, blobID, epoch); err != nil {
		return nil, &NodeError{Op: "submit inconsistency proof", Err: err}
	}

	return &attestation, nil
}
