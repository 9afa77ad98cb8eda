package cache

import (
	"container/list"
	"sort"

	"github.com/tjjh89017/ezio/internal/common"
	"github.com/tjjh89017/ezio/internal/logger"
)

// Stats is a snapshot of one shard's counters.
type Stats struct {
	Entries         int
	Dirty           int
	MaxEntries      int
	Hits            uint64
	Misses          uint64
	Inserts         uint64
	Evictions       uint64
	OverAllocations uint64
}

type entry struct {
	buf    []byte
	length int
	dirty  bool
	elem   *list.Element
}

// Shard holds one slice of the cache. A shard is owned by exactly one
// worker goroutine; every method must be called from that owner. Because
// only the owner touches shard state, no lock guards the map, the LRU list
// or the counters.
type Shard struct {
	entries    map[common.BlockLoc]*entry
	lru        *list.List // front = most recently used; element values are BlockLoc
	maxEntries int

	numDirty int

	hits            uint64
	misses          uint64
	inserts         uint64
	evictions       uint64
	overAllocations uint64
}

// NewShard creates a shard bounded to maxEntries blocks.
func NewShard(maxEntries int) *Shard {
	return &Shard{
		entries:    make(map[common.BlockLoc]*entry),
		lru:        list.New(),
		maxEntries: maxEntries,
	}
}

// InsertWrite inserts or overwrites a block and marks it dirty.
func (s *Shard) InsertWrite(loc common.BlockLoc, src []byte, length int) {
	s.insert(loc, src, length, true)
}

// InsertRead inserts or overwrites a block read from storage, clean.
func (s *Shard) InsertRead(loc common.BlockLoc, src []byte, length int) {
	s.insert(loc, src, length, false)
}

func (s *Shard) insert(loc common.BlockLoc, src []byte, length int, dirty bool) {
	if e, ok := s.entries[loc]; ok {
		copy(e.buf, src[:length])
		e.length = length

		if dirty && !e.dirty {
			s.numDirty++
		} else if !dirty && e.dirty {
			s.numDirty--
		}
		e.dirty = dirty

		s.lru.MoveToFront(e.elem)
		return
	}

	// Evict until there is room. When every resident block is dirty the
	// shard over-allocates instead of dropping an unwritten block.
	for s.lru.Len() >= s.maxEntries {
		if !s.evictOne() {
			s.overAllocations++
			logger.Debugf("cache shard over-allocation: %d entries, max %d", s.lru.Len()+1, s.maxEntries)
			break
		}
	}

	e := &entry{
		buf:    make([]byte, common.BlockSize),
		length: length,
		dirty:  dirty,
	}
	copy(e.buf, src[:length])
	e.elem = s.lru.PushFront(loc)
	s.entries[loc] = e
	s.inserts++

	if dirty {
		s.numDirty++
	}
}

// Get invokes f with an immutable view of the cached block and moves it to
// the LRU front. Reports whether the block was present.
func (s *Shard) Get(loc common.BlockLoc, f func(buf []byte)) bool {
	e, ok := s.entries[loc]
	if !ok {
		s.misses++
		return false
	}

	s.hits++
	s.lru.MoveToFront(e.elem)
	f(e.buf[:e.length])
	return true
}

// Get2 looks up two blocks known to live in this shard. f receives a nil
// slice for each miss and its return value is passed through; when both
// miss, f is not called and Get2 returns 0.
func (s *Shard) Get2(loc1, loc2 common.BlockLoc, f func(buf1, buf2 []byte) int) int {
	e1, ok1 := s.entries[loc1]
	e2, ok2 := s.entries[loc2]

	if ok1 {
		s.hits++
	} else {
		s.misses++
	}
	if ok2 {
		s.hits++
	} else {
		s.misses++
	}

	if !ok1 && !ok2 {
		return 0
	}

	var buf1, buf2 []byte
	if ok1 {
		s.lru.MoveToFront(e1.elem)
		buf1 = e1.buf[:e1.length]
	}
	if ok2 {
		s.lru.MoveToFront(e2.elem)
		buf2 = e2.buf[:e2.length]
	}

	return f(buf1, buf2)
}

// MarkClean clears the dirty flag after a successful write-through. The
// block keeps its LRU position: completion of a write is not an access.
func (s *Shard) MarkClean(loc common.BlockLoc) {
	e, ok := s.entries[loc]
	if !ok || !e.dirty {
		return
	}

	e.dirty = false
	s.numDirty--
}

// Length returns the payload length of a cached block, 0 when absent.
func (s *Shard) Length(loc common.BlockLoc) int {
	e, ok := s.entries[loc]
	if !ok {
		return 0
	}
	return e.length
}

// CollectDirty returns this shard's dirty blocks for one storage, sorted
// by (piece, offset) to keep the flush sequential on disk, and marks them
// clean. A block returned here is immediately considered clean-in-cache.
func (s *Shard) CollectDirty(storage common.StorageID) []common.BlockLoc {
	var dirty []common.BlockLoc
	for loc, e := range s.entries {
		if e.dirty && loc.Storage == storage {
			dirty = append(dirty, loc)
			e.dirty = false
			s.numDirty--
		}
	}

	sort.Slice(dirty, func(i, j int) bool {
		if dirty[i].Piece != dirty[j].Piece {
			return dirty[i].Piece < dirty[j].Piece
		}
		return dirty[i].Offset < dirty[j].Offset
	})

	return dirty
}

// Remove drops every block belonging to one storage, dirty or not. Used
// when a torrent is removed and its slot recycled.
func (s *Shard) Remove(storage common.StorageID) {
	for loc, e := range s.entries {
		if loc.Storage != storage {
			continue
		}
		if e.dirty {
			s.numDirty--
		}
		s.lru.Remove(e.elem)
		delete(s.entries, loc)
	}
}

// evictOne scans from the LRU tail for the first clean block and drops it.
// Returns false when every resident block is dirty.
func (s *Shard) evictOne() bool {
	for elem := s.lru.Back(); elem != nil; elem = elem.Prev() {
		loc := elem.Value.(common.BlockLoc)
		e, ok := s.entries[loc]
		if !ok {
			logger.Errorf("cache shard LRU inconsistency at %+v", loc)
			continue
		}

		if !e.dirty {
			delete(s.entries, loc)
			s.lru.Remove(elem)
			s.evictions++
			return true
		}
	}

	return false
}

// SetMaxEntries resizes the shard quota, evicting clean blocks as needed.
func (s *Shard) SetMaxEntries(n int) {
	s.maxEntries = n
	for s.lru.Len() > s.maxEntries {
		if !s.evictOne() {
			logger.Warnf("cache shard cannot shrink below %d entries: all dirty", s.lru.Len())
			break
		}
	}
}

// Len returns the number of resident blocks.
func (s *Shard) Len() int {
	return s.lru.Len()
}

// DirtyCount returns the number of dirty resident blocks.
func (s *Shard) DirtyCount() int {
	return s.numDirty
}

// MaxEntries returns the shard quota.
func (s *Shard) MaxEntries() int {
	return s.maxEntries
}

// Snapshot copies the shard counters. Like every other method it must run
// on the owning worker; external readers post a task and hand the copy out.
func (s *Shard) Snapshot() Stats {
	return Stats{
		Entries:         s.lru.Len(),
		Dirty:           s.numDirty,
		MaxEntries:      s.maxEntries,
		Hits:            s.hits,
		Misses:          s.misses,
		Inserts:         s.inserts,
		Evictions:       s.evictions,
		OverAllocations: s.overAllocations,
	}
}
