package common

import "hash/fnv"

const (
	// BlockSize is the fixed block unit for cache entries and pool buffers.
	// The last block of a piece may carry less payload but still occupies a
	// full buffer.
	BlockSize = 16 * 1024
)

// StorageID identifies an open partition storage inside the disk engine.
// Slot ids are small integers and may be reused after RemoveTorrent.
type StorageID int

// BlockLoc addresses one 16 KiB block: (storage, piece, offset), where
// offset is the byte offset of the block within its piece and is always a
// multiple of BlockSize.
type BlockLoc struct {
	Storage StorageID
	Piece   int
	Offset  int
}

// ShardKey hashes only (storage, piece). Every block of a piece must land
// on the same cache shard so a piece hash never crosses shards.
func (l BlockLoc) ShardKey() uint64 {
	h := fnv.New64a()
	var b [8]byte
	putUint32(b[:4], uint32(l.Storage))
	putUint32(b[4:], uint32(l.Piece))
	h.Write(b[:])
	return h.Sum64()
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
