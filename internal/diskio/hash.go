package diskio

import (
	"crypto/sha1"
	"crypto/sha256"

	"github.com/tjjh89017/ezio/internal/common"
	"github.com/tjjh89017/ezio/internal/errors"
)

// AsyncHash computes the SHA-1 of a whole piece, feeding cached blocks
// into the digest directly and reading only the misses from storage. The
// job runs on the piece's shard worker, so it serializes with reads and
// writes of the same piece and never crosses shards.
func (e *Engine) AsyncHash(id common.StorageID, piece int, handler func(piece int, sum [sha1.Size]byte, err error)) {
	var zero [sha1.Size]byte

	p, err := e.storageFor(id)
	if err != nil {
		e.exec.Post(func() { handler(piece, zero, err) })
		return
	}

	scratch := e.pool.Allocate()
	if scratch == nil {
		e.exec.Post(func() {
			handler(piece, zero, errors.NewStorageError(errors.ErrNoMemory, errors.KindNoMemory, errors.OpHash))
		})
		return
	}

	loc := common.BlockLoc{Storage: id, Piece: piece}
	w := e.workerFor(loc)

	w.post(func() {
		shard := e.shardFor(loc)

		pieceSize := p.PieceSize(piece)
		if pieceSize <= 0 {
			e.pool.Free(scratch)
			e.exec.Post(func() {
				handler(piece, zero, errors.NewStorageError(errors.ErrInvalidRequest, errors.KindInvalidRequest, errors.OpHash))
			})
			return
		}

		h := sha1.New()
		for offset := 0; offset < pieceSize; offset += common.BlockSize {
			blockLen := pieceSize - offset
			if blockLen > common.BlockSize {
				blockLen = common.BlockSize
			}

			bl := common.BlockLoc{Storage: id, Piece: piece, Offset: offset}
			hit := shard.Get(bl, func(cached []byte) {
				if len(cached) > blockLen {
					cached = cached[:blockLen]
				}
				h.Write(cached)
			})
			if hit {
				continue
			}

			n, rerr := p.Read(scratch[:blockLen], piece, offset, blockLen)
			if rerr != nil {
				e.pool.Free(scratch)
				e.exec.Post(func() { handler(piece, zero, rerr) })
				return
			}
			h.Write(scratch[:n])
		}

		e.pool.Free(scratch)

		var sum [sha1.Size]byte
		copy(sum[:], h.Sum(nil))
		e.exec.Post(func() { handler(piece, sum, nil) })
	})
}

// AsyncHash2 computes the v2 (SHA-256) hash of a single block, cache
// first. Offset must be block-aligned.
func (e *Engine) AsyncHash2(id common.StorageID, piece, offset int, handler func(piece int, sum [sha256.Size]byte, err error)) {
	var zero [sha256.Size]byte

	if offset < 0 || offset%common.BlockSize != 0 {
		e.exec.Post(func() {
			handler(piece, zero, errors.NewStorageError(errors.ErrInvalidRequest, errors.KindInvalidRequest, errors.OpHash))
		})
		return
	}

	p, err := e.storageFor(id)
	if err != nil {
		e.exec.Post(func() { handler(piece, zero, err) })
		return
	}

	scratch := e.pool.Allocate()
	if scratch == nil {
		e.exec.Post(func() {
			handler(piece, zero, errors.NewStorageError(errors.ErrNoMemory, errors.KindNoMemory, errors.OpHash))
		})
		return
	}

	loc := common.BlockLoc{Storage: id, Piece: piece, Offset: offset}
	w := e.workerFor(loc)

	w.post(func() {
		shard := e.shardFor(loc)

		blockLen := p.PieceSize(piece) - offset
		if blockLen <= 0 {
			e.pool.Free(scratch)
			e.exec.Post(func() {
				handler(piece, zero, errors.NewStorageError(errors.ErrInvalidRequest, errors.KindInvalidRequest, errors.OpHash))
			})
			return
		}
		if blockLen > common.BlockSize {
			blockLen = common.BlockSize
		}

		h := sha256.New()
		hit := shard.Get(loc, func(cached []byte) {
			if len(cached) > blockLen {
				cached = cached[:blockLen]
			}
			h.Write(cached)
		})
		if !hit {
			n, rerr := p.Read(scratch[:blockLen], piece, offset, blockLen)
			if rerr != nil {
				e.pool.Free(scratch)
				e.exec.Post(func() { handler(piece, zero, rerr) })
				return
			}
			h.Write(scratch[:n])
		}

		e.pool.Free(scratch)

		var sum [sha256.Size]byte
		copy(sum[:], h.Sum(nil))
		e.exec.Post(func() { handler(piece, sum, nil) })
	})
}
