package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"text/tabwriter"

	"blobnet/internal/bft"
	"blobnet/internal/committee"
	"blobnet/internal/encoding"
	"blobnet/internal/format"
)

// printInfo renders the system information for a committee snapshot. The dev
// flag adds encoding parameters, BFT thresholds, and the shard distribution.
func printInfo(w io.Writer, cttee *committee.Committee, dev bool) error {
	nShards := cttee.NShards()

	cfg, err := encoding.NewConfig(nShards)
	if err != nil {
		return err
	}

	maxBlobSize := cfg.MaxBlobSize()

	fmt.Fprintf(w, "Blobnet system information\n\n")
	fmt.Fprintf(w, "Storage nodes\n")
	fmt.Fprintf(w, "Epoch: %d\n", cttee.Epoch())
	fmt.Fprintf(w, "Number of nodes: %d\n", cttee.NMembers())
	fmt.Fprintf(w, "Number of shards: %d\n\n", nShards)

	fmt.Fprintf(w, "Blob size\n")
	fmt.Fprintf(w, "Maximum blob size: %s (%s B)\n",
		format.Bytes(maxBlobSize), format.ThousandsSeparator(maxBlobSize))

	if !dev {
		return nil
	}

	primary, secondary := cfg.SourceSymbols()
	metadataSize := cfg.MetadataSize()
	maxSliverSize := cfg.MaxSliverSize()

	maxEncodedSize, err := cfg.EncodedBlobSize(maxBlobSize)
	if err != nil {
		return err
	}

	f := bft.MaxFaulty(nShards)
	minNodes, shardsAbove := cttee.MinNodesAboveFaulty()

	fmt.Fprintf(w, "\n(dev) Encoding parameters and sizes\n")
	fmt.Fprintf(w, "Number of primary source symbols: %d\n", primary)
	fmt.Fprintf(w, "Number of secondary source symbols: %d\n", secondary)
	fmt.Fprintf(w, "Metadata size: %s (%s B)\n",
		format.Bytes(metadataSize), format.ThousandsSeparator(metadataSize))
	fmt.Fprintf(w, "Maximum sliver size: %s (%s B)\n",
		format.Bytes(maxSliverSize), format.ThousandsSeparator(maxSliverSize))
	fmt.Fprintf(w, "Maximum encoded blob size: %s (%s B)\n",
		format.Bytes(maxEncodedSize), format.ThousandsSeparator(maxEncodedSize))

	fmt.Fprintf(w, "\n(dev) BFT system information\n")
	fmt.Fprintf(w, "Tolerated faults (f): %d\n", f)
	fmt.Fprintf(w, "Quorum threshold (2f+1): %d\n", bft.QuorumThreshold(nShards))
	fmt.Fprintf(w, "Minimum number of correct shards (n-f): %d\n", bft.MinCorrect(nShards))
	fmt.Fprintf(w, "Minimum number of nodes to get above f: %d (%d shards)\n", minNodes, shardsAbove)

	fmt.Fprintf(w, "\n(dev) Storage node details and shard distribution\n")

	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Idx\t# Shards\tPk prefix\tAddress")

	for i, node := range cttee.Members() {
		owned := len(node.Shards)
		percent := float64(owned) / float64(nShards) * 100

		fmt.Fprintf(tw, "%d\t%d (%.2f%%)\t%s\t%s\n",
			i, owned, percent, keyPrefix(node.PublicKey), node.Address)
	}

	return tw.Flush()
}

// keyPrefix returns a short hex prefix of a public key for display.
func keyPrefix(key []byte) string {
	if len(key) > 4 {
		key = key[:4]
	}

	return hex.EncodeToString(key)
}
