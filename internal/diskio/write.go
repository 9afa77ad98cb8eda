package diskio

import (
	"github.com/tjjh89017/ezio/internal/common"
	"github.com/tjjh89017/ezio/internal/errors"
	"github.com/tjjh89017/ezio/internal/logger"
	"github.com/tjjh89017/ezio/internal/pool"
)

// AsyncWrite stores one block-aligned write. The source bytes are
// duplicated into a pool buffer before returning, so the caller may reuse
// its buffer immediately. When the pool is spent no copy is made: the
// worker writes straight from src, which must then stay unchanged until
// the handler runs. The return value is the backpressure signal:
// true means the pool is exhausted and the caller should stop submitting
// writes until the observer fires.
func (e *Engine) AsyncWrite(id common.StorageID, req Request, src []byte, obs pool.Observer, handler func(error)) bool {
	if req.Length <= 0 || req.Length > common.BlockSize || req.Start < 0 || req.Start%common.BlockSize != 0 {
		e.exec.Post(func() {
			handler(errors.NewStorageError(errors.ErrInvalidRequest, errors.KindInvalidRequest, errors.OpWrite))
		})
		return false
	}

	p, err := e.storageFor(id)
	if err != nil {
		e.exec.Post(func() { handler(err) })
		return false
	}

	loc := common.BlockLoc{Storage: id, Piece: req.Piece, Offset: req.Start}
	w := e.workerFor(loc)

	carrier, exceeded := e.pool.AllocateWithObserver(obs)
	if carrier == nil {
		// Pool spent: bypass the cache and write synchronously on the
		// worker. The source slice stays alive in the closure.
		logger.Debugf("pool exhausted, sync write %d/%d/%d", id, req.Piece, req.Start)
		w.post(func() {
			_, werr := p.Write(src, req.Piece, req.Start, req.Length)
			e.exec.Post(func() { handler(werr) })
		})
		return exceeded
	}

	// The carrier is only a lifetime-safe vehicle to the worker; the cache
	// copies into its own backing on insert.
	copy(carrier[:req.Length], src[:req.Length])

	w.post(func() {
		shard := e.shardFor(loc)
		shard.InsertWrite(loc, carrier, req.Length)

		_, werr := p.Write(carrier[:req.Length], req.Piece, req.Start, req.Length)
		e.pool.Free(carrier)

		// A failed write-through leaves the entry dirty; the device copy
		// is stale and a later flush retries it.
		if werr == nil {
			shard.MarkClean(loc)
		}

		e.exec.Post(func() { handler(werr) })
	})

	return exceeded
}
