// Package committee models the read-only committee snapshot a client works
// against for the duration of one protocol round.
package committee

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"blobnet/internal/bft"
	"blobnet/internal/encoding"
)

// PublicKey is a node's BLS public key, hex-encoded in JSON snapshots.
type PublicKey []byte

// MarshalJSON encodes the key as a hex string.
func (k PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(k))
}

// UnmarshalJSON decodes the key from a hex string.
func (k *PublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode public key:\n%w", err)
	}

	*k = raw

	return nil
}

// StorageNode describes one committee member: its network address, public
// key, and the set of shards it owns. Read-only reference data.
type StorageNode struct {
	Address   string                `json:"address"`
	PublicKey PublicKey             `json:"public_key"`
	Shards    []encoding.ShardIndex `json:"shards"`
}

// NOwnedShards returns the number of shards the node owns.
func (n *StorageNode) NOwnedShards() uint16 {
	return uint16(len(n.Shards))
}

// Committee is the ordered member set of one epoch. Shard ownership
// partitions the full shard index space exactly once; the constructor
// rejects snapshots violating that invariant. Immutable for its epoch.
type Committee struct {
	epoch       uint64
	members     []StorageNode
	nShards     uint16
	shardToNode []int
}

// New validates the snapshot and builds the committee for the given epoch.
func New(epoch uint64, members []StorageNode) (*Committee, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("committee has no members")
	}

	total := 0
	for i := range members {
		if len(members[i].Shards) == 0 {
			return nil, fmt.Errorf("member %d owns no shards", i)
		}
		total += len(members[i].Shards)
	}

	if total > math.MaxUint16 {
		return nil, fmt.Errorf("shard count %d exceeds the 16-bit limit", total)
	}

	nShards := uint16(total)

	// Every shard index must be owned by exactly one member.
	shardToNode := make([]int, nShards)
	for i := range shardToNode {
		shardToNode[i] = -1
	}

	for i := range members {
		for _, shard := range members[i].Shards {
			if uint16(shard) >= nShards {
				return nil, fmt.Errorf("member %d owns shard %d outside range 0..%d", i, shard, nShards-1)
			}
			if shardToNode[shard] != -1 {
				return nil, fmt.Errorf("shard %d owned by both member %d and member %d", shard, shardToNode[shard], i)
			}
			shardToNode[shard] = i
		}
	}

	return &Committee{
		epoch:       epoch,
		members:     members,
		nShards:     nShards,
		shardToNode: shardToNode,
	}, nil
}

// Epoch returns the committee's validity period.
func (c *Committee) Epoch() uint64 {
	return c.epoch
}

// NShards returns the total shard count.
func (c *Committee) NShards() uint16 {
	return c.nShards
}

// NMembers returns the number of storage nodes.
func (c *Committee) NMembers() int {
	return len(c.members)
}

// Members returns the ordered member list.
func (c *Committee) Members() []StorageNode {
	return c.members
}

// Member returns the node at the given index.
func (c *Committee) Member(i int) *StorageNode {
	return &c.members[i]
}

// MemberForShard returns the index of the node owning the given shard.
func (c *Committee) MemberForShard(shard encoding.ShardIndex) int {
	return c.shardToNode[shard]
}

// TotalWeight returns the combined shard weight of all members. Ownership
// partitions the shard space exactly once, so this equals the shard count.
func (c *Committee) TotalWeight() uint16 {
	return c.nShards
}

// MinNodesAboveFaulty returns the smallest number of nodes whose combined
// shard weight exceeds the tolerated fault threshold f, together with that
// combined weight.
func (c *Committee) MinNodesAboveFaulty() (nodes int, shards uint16) {
	counts := make([]int, len(c.members))
	for i := range c.members {
		counts[i] = len(c.members[i].Shards)
	}

	sort.Sort(sort.Reverse(sort.IntSlice(counts)))

	f := int(bft.MaxFaulty(c.nShards))
	total := 0

	for i, count := range counts {
		total += count
		if total > f {
			return i + 1, uint16(total)
		}
	}

	return len(counts), uint16(total)
}

// snapshot is the on-disk JSON form of a committee.
type snapshot struct {
	Epoch   uint64        `json:"epoch"`
	Members []StorageNode `json:"members"`
}

// Load reads and validates a committee snapshot from a JSON file.
func Load(path string) (*Committee, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read committee snapshot:\n%w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse committee snapshot:\n%w", err)
	}

	return New(snap.Epoch, snap.Members)
}
