package cache_test

import (
	"bytes"
	"testing"

	"github.com/tjjh89017/ezio/internal/cache"
	"github.com/tjjh89017/ezio/internal/common"
)

func loc(piece, offset int) common.BlockLoc {
	return common.BlockLoc{Storage: 0, Piece: piece, Offset: offset}
}

func block(b byte) []byte {
	return bytes.Repeat([]byte{b}, common.BlockSize)
}

func TestInsertWriteGetRoundTrip(t *testing.T) {
	s := cache.NewShard(4)

	s.InsertWrite(loc(0, 0), block(0xAB), common.BlockSize)

	var got []byte
	if !s.Get(loc(0, 0), func(buf []byte) { got = append([]byte(nil), buf...) }) {
		t.Fatalf("Expected hit")
	}
	if len(got) != common.BlockSize || got[0] != 0xAB {
		t.Errorf("Unexpected cached bytes")
	}
	if s.DirtyCount() != 1 {
		t.Errorf("Expected 1 dirty block, got %d", s.DirtyCount())
	}
}

func TestShortFinalBlockLength(t *testing.T) {
	s := cache.NewShard(4)
	s.InsertRead(loc(0, 0), block(0x11)[:1000], 1000)

	if s.Length(loc(0, 0)) != 1000 {
		t.Errorf("Expected length 1000, got %d", s.Length(loc(0, 0)))
	}
	s.Get(loc(0, 0), func(buf []byte) {
		if len(buf) != 1000 {
			t.Errorf("Expected 1000 byte view, got %d", len(buf))
		}
	})
}

func TestDirtyTransitions(t *testing.T) {
	s := cache.NewShard(4)

	s.InsertWrite(loc(0, 0), block(1), common.BlockSize)
	if s.DirtyCount() != 1 {
		t.Fatalf("Expected dirty 1, got %d", s.DirtyCount())
	}

	// Overwriting an already dirty block must not double count.
	s.InsertWrite(loc(0, 0), block(2), common.BlockSize)
	if s.DirtyCount() != 1 {
		t.Fatalf("Expected dirty 1 after rewrite, got %d", s.DirtyCount())
	}

	s.MarkClean(loc(0, 0))
	if s.DirtyCount() != 0 {
		t.Fatalf("Expected dirty 0 after mark clean, got %d", s.DirtyCount())
	}

	// Marking clean twice is a no-op.
	s.MarkClean(loc(0, 0))
	if s.DirtyCount() != 0 {
		t.Fatalf("Expected dirty 0, got %d", s.DirtyCount())
	}

	// Clean block going dirty again counts once more.
	s.InsertWrite(loc(0, 0), block(3), common.BlockSize)
	if s.DirtyCount() != 1 {
		t.Fatalf("Expected dirty 1 after re-dirty, got %d", s.DirtyCount())
	}
}

func TestEvictionPrefersCleanLRUTail(t *testing.T) {
	s := cache.NewShard(2)

	s.InsertRead(loc(0, 0), block(1), common.BlockSize)
	s.InsertRead(loc(0, 16384), block(2), common.BlockSize)

	// Touch the older block so the newer one becomes the tail.
	s.Get(loc(0, 0), func([]byte) {})

	s.InsertRead(loc(0, 32768), block(3), common.BlockSize)

	if s.Len() != 2 {
		t.Fatalf("Expected 2 entries, got %d", s.Len())
	}
	if s.Get(loc(0, 16384), func([]byte) {}) {
		t.Errorf("Expected LRU tail to be evicted")
	}
	if !s.Get(loc(0, 0), func([]byte) {}) {
		t.Errorf("Expected recently touched block to survive")
	}
}

func TestDirtyEvictionRefusal_OverAllocates(t *testing.T) {
	s := cache.NewShard(2)

	s.InsertWrite(loc(0, 0), block(1), common.BlockSize)
	s.InsertWrite(loc(0, 16384), block(2), common.BlockSize)
	s.InsertWrite(loc(0, 32768), block(3), common.BlockSize)

	// All three blocks are dirty: the shard must hold them all rather
	// than drop one.
	if s.Len() != 3 {
		t.Fatalf("Expected over-allocation to 3 entries, got %d", s.Len())
	}
	if s.DirtyCount() != 3 {
		t.Fatalf("Expected 3 dirty, got %d", s.DirtyCount())
	}
	if s.Snapshot().OverAllocations == 0 {
		t.Errorf("Expected over-allocation to be counted")
	}

	// Once one block is clean it becomes evictable again.
	s.MarkClean(loc(0, 0))
	s.InsertWrite(loc(0, 49152), block(4), common.BlockSize)
	if s.Len() != 3 {
		t.Errorf("Expected eviction of the clean block, len=%d", s.Len())
	}
	if s.Get(loc(0, 0), func([]byte) {}) {
		t.Errorf("Expected clean block to have been evicted")
	}
}

func TestMarkCleanKeepsLRUPosition(t *testing.T) {
	s := cache.NewShard(2)

	s.InsertWrite(loc(0, 0), block(1), common.BlockSize)
	s.InsertWrite(loc(0, 16384), block(2), common.BlockSize)

	// loc(0,0) is the LRU tail; completing its write-through must not
	// refresh it.
	s.MarkClean(loc(0, 0))
	s.MarkClean(loc(0, 16384))

	s.InsertRead(loc(0, 32768), block(3), common.BlockSize)
	if s.Get(loc(0, 0), func([]byte) {}) {
		t.Errorf("Expected the older block to be evicted despite later MarkClean")
	}
	if !s.Get(loc(0, 16384), func([]byte) {}) {
		t.Errorf("Expected the newer block to survive")
	}
}

func TestGet2Bitmask(t *testing.T) {
	s := cache.NewShard(4)

	l1 := loc(0, 0)
	l2 := loc(0, 16384)

	found := func(buf1, buf2 []byte) int {
		ret := 0
		if buf1 != nil {
			ret |= 2
		}
		if buf2 != nil {
			ret |= 1
		}
		return ret
	}

	if got := s.Get2(l1, l2, found); got != 0 {
		t.Errorf("Expected 0 when both miss, got %d", got)
	}

	s.InsertRead(l1, block(1), common.BlockSize)
	if got := s.Get2(l1, l2, found); got != 2 {
		t.Errorf("Expected 2 for first-only hit, got %d", got)
	}

	s.InsertRead(l2, block(2), common.BlockSize)
	if got := s.Get2(l1, l2, found); got != 3 {
		t.Errorf("Expected 3 for both hit, got %d", got)
	}
}

func TestCollectDirtySortedAndMarkedClean(t *testing.T) {
	s := cache.NewShard(16)

	s.InsertWrite(loc(3, 16384), block(1), common.BlockSize)
	s.InsertWrite(loc(1, 32768), block(2), common.BlockSize)
	s.InsertWrite(loc(1, 0), block(3), common.BlockSize)
	s.InsertWrite(common.BlockLoc{Storage: 7, Piece: 0, Offset: 0}, block(4), common.BlockSize)
	s.InsertRead(loc(5, 0), block(5), common.BlockSize)

	dirty := s.CollectDirty(0)
	want := []common.BlockLoc{loc(1, 0), loc(1, 32768), loc(3, 16384)}
	if len(dirty) != len(want) {
		t.Fatalf("Expected %d dirty blocks, got %d", len(want), len(dirty))
	}
	for i := range want {
		if dirty[i] != want[i] {
			t.Errorf("Expected %+v at %d, got %+v", want[i], i, dirty[i])
		}
	}

	// At-most-once: a second collection is empty.
	if again := s.CollectDirty(0); len(again) != 0 {
		t.Errorf("Expected no dirty blocks on second collect, got %d", len(again))
	}
	if s.DirtyCount() != 1 { // the storage-7 block is untouched
		t.Errorf("Expected 1 dirty block left, got %d", s.DirtyCount())
	}
}

func TestRemoveStorage(t *testing.T) {
	s := cache.NewShard(16)

	s.InsertWrite(loc(0, 0), block(1), common.BlockSize)
	s.InsertRead(common.BlockLoc{Storage: 2, Piece: 0, Offset: 0}, block(2), common.BlockSize)

	s.Remove(0)
	if s.Len() != 1 {
		t.Fatalf("Expected 1 entry after removal, got %d", s.Len())
	}
	if s.DirtyCount() != 0 {
		t.Errorf("Expected dirty count 0, got %d", s.DirtyCount())
	}
	if !s.Get(common.BlockLoc{Storage: 2, Piece: 0, Offset: 0}, func([]byte) {}) {
		t.Errorf("Expected other storage to survive")
	}
}

func TestSetMaxEntriesShrinks(t *testing.T) {
	s := cache.NewShard(4)
	for i := 0; i < 4; i++ {
		s.InsertRead(loc(0, i*16384), block(byte(i)), common.BlockSize)
	}

	s.SetMaxEntries(2)
	if s.Len() != 2 {
		t.Errorf("Expected shrink to 2 entries, got %d", s.Len())
	}

	stats := s.Snapshot()
	if stats.Evictions < 2 {
		t.Errorf("Expected at least 2 evictions, got %d", stats.Evictions)
	}
}

func TestSnapshotCounters(t *testing.T) {
	s := cache.NewShard(4)

	s.InsertRead(loc(0, 0), block(1), common.BlockSize)
	s.Get(loc(0, 0), func([]byte) {})
	s.Get(loc(0, 16384), func([]byte) {})

	stats := s.Snapshot()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Inserts != 1 {
		t.Errorf("Unexpected counters %+v", stats)
	}
	if stats.Entries != 1 || stats.MaxEntries != 4 {
		t.Errorf("Unexpected sizes %+v", stats)
	}
}
