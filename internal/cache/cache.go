// Package cache implements the sharded 16 KiB block cache between the
// BitTorrent protocol core and the target device.
//
// The cache is an array of shards, each owned by exactly one disk worker.
// Shard selection hashes (storage, piece) only, so every block of a piece
// lands on the same shard and a piece hash never crosses workers. All
// shard state is touched exclusively by the owning worker; the engine
// routes operations by posting tasks to that worker's queue.
package cache

import (
	"github.com/tjjh89017/ezio/internal/common"
)

// Cache is the routing table over the shard array. It carries no locks;
// the single-owner discipline lives in the disk engine's dispatch rule.
type Cache struct {
	shards     []*Shard
	maxEntries int
}

// New creates numShards shards sharing a budget of maxEntries blocks.
func New(maxEntries, numShards int) *Cache {
	c := &Cache{maxEntries: maxEntries}
	quota := perShardQuota(maxEntries, numShards)
	for i := 0; i < numShards; i++ {
		c.shards = append(c.shards, NewShard(quota))
	}
	return c
}

func perShardQuota(maxEntries, numShards int) int {
	quota := maxEntries / numShards
	if quota < 1 {
		quota = 1
	}
	return quota
}

// ShardIndex selects the shard owning loc. Only (storage, piece)
// participate in the hash.
func (c *Cache) ShardIndex(loc common.BlockLoc) int {
	return int(loc.ShardKey() % uint64(len(c.shards)))
}

// Shard returns the shard at index i.
func (c *Cache) Shard(i int) *Shard {
	return c.shards[i]
}

// NumShards returns the number of shards.
func (c *Cache) NumShards() int {
	return len(c.shards)
}

// MaxEntries returns the total configured budget.
func (c *Cache) MaxEntries() int {
	return c.maxEntries
}

// QuotaFor computes the per-shard quota for a new total budget. The engine
// applies it by posting SetMaxEntries to each shard's owner.
func (c *Cache) QuotaFor(maxEntries int) int {
	c.maxEntries = maxEntries
	return perShardQuota(maxEntries, len(c.shards))
}
