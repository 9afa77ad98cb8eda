package cache_test

import (
	"testing"

	"github.com/tjjh89017/ezio/internal/cache"
	"github.com/tjjh89017/ezio/internal/common"
)

func TestShardLocality(t *testing.T) {
	c := cache.New(1024, 8)

	// Every block of a piece must map to the same shard regardless of
	// offset, for any storage.
	for storage := 0; storage < 4; storage++ {
		for piece := 0; piece < 64; piece++ {
			base := common.BlockLoc{Storage: common.StorageID(storage), Piece: piece, Offset: 0}
			want := c.ShardIndex(base)
			for offset := 0; offset < 16*common.BlockSize; offset += common.BlockSize {
				l := common.BlockLoc{Storage: common.StorageID(storage), Piece: piece, Offset: offset}
				if got := c.ShardIndex(l); got != want {
					t.Fatalf("Blocks of piece %d split across shards %d and %d", piece, want, got)
				}
			}
		}
	}
}

func TestShardDistribution(t *testing.T) {
	c := cache.New(1024, 8)

	counts := make([]int, c.NumShards())
	for piece := 0; piece < 4096; piece++ {
		counts[c.ShardIndex(common.BlockLoc{Piece: piece})]++
	}

	for i, n := range counts {
		if n == 0 {
			t.Errorf("Shard %d received no pieces", i)
		}
	}
}

func TestQuota(t *testing.T) {
	c := cache.New(1024, 8)
	if c.Shard(0).MaxEntries() != 128 {
		t.Errorf("Expected per-shard quota 128, got %d", c.Shard(0).MaxEntries())
	}

	if q := c.QuotaFor(512); q != 64 {
		t.Errorf("Expected new quota 64, got %d", q)
	}
	if c.MaxEntries() != 512 {
		t.Errorf("Expected total updated to 512, got %d", c.MaxEntries())
	}

	// Quota never drops below one entry per shard.
	if q := c.QuotaFor(2); q != 1 {
		t.Errorf("Expected minimum quota 1, got %d", q)
	}
}
