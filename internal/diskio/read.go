package diskio

import (
	"github.com/tjjh89017/ezio/internal/common"
	"github.com/tjjh89017/ezio/internal/errors"
	"github.com/tjjh89017/ezio/internal/storage"
)

// AsyncRead serves a byte range of a piece. The range may start unaligned
// and may cross one 16 KiB block boundary; both blocks then share a shard
// because shard selection ignores the offset. The completion receives a
// move-only holder that returns its buffer to the pool on Release.
func (e *Engine) AsyncRead(id common.StorageID, req Request, handler func(*BufferHolder, error)) {
	if req.Length <= 0 || req.Length > common.BlockSize || req.Start < 0 {
		e.exec.Post(func() {
			handler(nil, errors.NewStorageError(errors.ErrInvalidRequest, errors.KindInvalidRequest, errors.OpRead))
		})
		return
	}

	p, err := e.storageFor(id)
	if err != nil {
		e.exec.Post(func() { handler(nil, err) })
		return
	}

	buf := e.pool.Allocate()
	if buf == nil {
		e.exec.Post(func() {
			handler(nil, errors.NewStorageError(errors.ErrNoMemory, errors.KindNoMemory, errors.OpRead))
		})
		return
	}

	blockOffset := req.Start - req.Start%common.BlockSize
	readOffset := req.Start - blockOffset
	loc1 := common.BlockLoc{Storage: id, Piece: req.Piece, Offset: blockOffset}

	w := e.workerFor(loc1)

	if readOffset+req.Length <= common.BlockSize {
		w.post(func() { e.readSingle(p, loc1, readOffset, req, buf, handler) })
		return
	}

	w.post(func() { e.readSplit(p, loc1, readOffset, req, buf, handler) })
}

// readSingle serves a request confined to one block. Runs on the owning
// worker.
func (e *Engine) readSingle(p *storage.Partition, loc common.BlockLoc, readOffset int, req Request, buf []byte, handler func(*BufferHolder, error)) {
	shard := e.shardFor(loc)

	hit := shard.Get(loc, func(cached []byte) {
		copyAt(buf, cached, readOffset, req.Length)
	})

	if !hit {
		n, err := p.Read(buf[:req.Length], req.Piece, req.Start, req.Length)
		if err != nil {
			e.completeRead(buf, 0, handler, err)
			return
		}

		// Only a full aligned block is worth caching; a partial fill
		// would poison later full-block hits.
		if readOffset == 0 && n == req.Length && req.Length == blockPayload(p, req.Piece, loc.Offset) {
			shard.InsertRead(loc, buf, n)
		}

		e.completeRead(buf, n, handler, nil)
		return
	}

	e.completeRead(buf, req.Length, handler, nil)
}

// readSplit serves a request crossing into the next block. Runs on the
// owning worker; both blocks belong to it.
func (e *Engine) readSplit(p *storage.Partition, loc1 common.BlockLoc, readOffset int, req Request, buf []byte, handler func(*BufferHolder, error)) {
	shard := e.shardFor(loc1)
	loc2 := common.BlockLoc{Storage: loc1.Storage, Piece: loc1.Piece, Offset: loc1.Offset + common.BlockSize}

	split := common.BlockSize - readOffset

	// Bitmask of what the cache already holds: 2 = first block, 1 = second.
	found := shard.Get2(loc1, loc2, func(buf1, buf2 []byte) int {
		ret := 0
		if buf1 != nil {
			copyAt(buf[:split], buf1, readOffset, split)
			ret |= 2
		}
		if buf2 != nil {
			copyAt(buf[split:req.Length], buf2, 0, req.Length-split)
			ret |= 1
		}
		return ret
	})

	var (
		n   int
		err error
	)

	switch found {
	case 3:
		// Fully served from cache.
		n = req.Length
	case 2:
		// Second block missing.
		var m int
		m, err = p.Read(buf[split:req.Length], req.Piece, loc2.Offset, req.Length-split)
		n = split + m
	case 1:
		// First block missing.
		_, err = p.Read(buf[:split], req.Piece, req.Start, split)
		n = req.Length
	default:
		n, err = p.Read(buf[:req.Length], req.Piece, req.Start, req.Length)
	}

	// Unaligned reads never insert: caching a partially read block would
	// serve truncated data to a later aligned hit.
	e.completeRead(buf, n, handler, err)
}

func (e *Engine) completeRead(buf []byte, n int, handler func(*BufferHolder, error), err error) {
	if err != nil {
		e.pool.Free(buf)
		e.exec.Post(func() { handler(nil, err) })
		return
	}

	holder := newBufferHolder(e.pool, buf, n)
	e.exec.Post(func() { handler(holder, nil) })
}

// copyAt copies length bytes from cached[offset:] into dst, tolerating a
// short cached payload.
func copyAt(dst, cached []byte, offset, length int) {
	if offset >= len(cached) {
		return
	}
	end := offset + length
	if end > len(cached) {
		end = len(cached)
	}
	copy(dst, cached[offset:end])
}

// blockPayload returns the payload length of the aligned block at offset
// within the piece.
func blockPayload(p *storage.Partition, piece, offset int) int {
	size := p.PieceSize(piece) - offset
	if size > common.BlockSize {
		return common.BlockSize
	}
	return size
}
