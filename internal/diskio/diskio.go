// Package diskio implements the asynchronous disk engine between the
// BitTorrent session and the target device.
//
// Every request that touches a block is routed to the worker owning that
// block's cache shard; the worker coordinates the cache and positional
// storage I/O and posts the completion back on the engine's callback
// executor. Shard selection hashes (storage, piece) only, so reads, writes
// and hashes of one piece serialize on one worker.
package diskio

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjjh89017/ezio/internal/cache"
	"github.com/tjjh89017/ezio/internal/common"
	"github.com/tjjh89017/ezio/internal/errors"
	"github.com/tjjh89017/ezio/internal/layout"
	"github.com/tjjh89017/ezio/internal/logger"
	"github.com/tjjh89017/ezio/internal/pool"
	"github.com/tjjh89017/ezio/internal/storage"
)

// Request identifies a byte range inside a piece. Reads may start
// unaligned; writes are block-aligned and at most one block long.
type Request struct {
	Piece  int
	Start  int
	Length int
}

// Settings is the engine's view of the disk configuration. The daemon
// derives it from the config file and pushes updates through
// SettingsUpdated.
type Settings struct {
	CacheEntries int
	PoolBytes    int
	AIOThreads   int
	DirectIO     bool
}

// Engine is the disk I/O object. One instance serves every torrent in the
// process.
type Engine struct {
	exec     Executor
	ownsExec bool

	pool  *pool.Pool
	cache *cache.Cache

	workers []*worker

	mu        sync.Mutex
	storages  map[common.StorageID]*storage.Partition
	freeSlots []common.StorageID
	nextSlot  common.StorageID
	settings  Settings
	aborted   bool

	reporter *reporter
	metrics  *metrics
}

// New builds the engine from the disk settings. Completions run on exec;
// passing nil creates an internal serial executor that Abort joins.
func New(exec Executor, s Settings) *Engine {
	ownsExec := false
	if exec == nil {
		exec = NewSerialExecutor()
		ownsExec = true
	}

	numShards := s.AIOThreads
	if numShards < 1 {
		numShards = 1
	}

	e := &Engine{
		exec:     exec,
		ownsExec: ownsExec,
		cache:    cache.New(s.CacheEntries, numShards),
		storages: make(map[common.StorageID]*storage.Partition),
		settings: s,
	}
	e.pool = pool.New(s.PoolBytes, exec.Post)

	for i := 0; i < numShards; i++ {
		e.workers = append(e.workers, newWorker())
	}

	e.metrics = newMetrics()
	e.reporter = newReporter(e, reportInterval)

	logger.Infof("disk engine started: %d shards, %d cache entries, %d MiB pool",
		numShards, s.CacheEntries, s.PoolBytes/(1024*1024))

	return e
}

// workerFor returns the worker owning loc's shard.
func (e *Engine) workerFor(loc common.BlockLoc) *worker {
	return e.workers[e.cache.ShardIndex(loc)]
}

// shardFor returns the shard owning loc. Shard state must only be touched
// from the matching worker.
func (e *Engine) shardFor(loc common.BlockLoc) *cache.Shard {
	return e.cache.Shard(e.cache.ShardIndex(loc))
}

func (e *Engine) storageFor(id common.StorageID) (*storage.Partition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.storages[id]
	if !ok {
		return nil, errors.NewStorageError(fmt.Errorf("%w: %d", errors.ErrStorageNotFound, id), errors.KindInvalidRequest, errors.OpRead)
	}
	return p, nil
}

// NewTorrent opens the target device for one torrent and returns its
// storage slot. Slot ids are recycled after RemoveTorrent. A failure to
// open the device is Fatal: the device is the engine's reason to exist.
func (e *Engine) NewTorrent(lm *layout.Map, devicePath string) (common.StorageID, error) {
	e.mu.Lock()
	direct := e.settings.DirectIO
	e.mu.Unlock()

	p, err := storage.Open(devicePath, lm, direct)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var id common.StorageID
	if n := len(e.freeSlots); n > 0 {
		id = e.freeSlots[n-1]
		e.freeSlots = e.freeSlots[:n-1]
	} else {
		id = e.nextSlot
		e.nextSlot++
	}

	e.storages[id] = p
	return id, nil
}

// RemoveTorrent flushes the torrent's dirty blocks, drops its cache
// entries, closes the device handle and recycles the slot.
func (e *Engine) RemoveTorrent(id common.StorageID) {
	p, err := e.storageFor(id)
	if err != nil {
		return
	}

	var wg sync.WaitGroup
	for i, w := range e.workers {
		wg.Add(1)
		shard := e.cache.Shard(i)
		w.post(func() {
			defer wg.Done()
			e.flushShard(shard, p, id)
			shard.Remove(id)
		})
	}
	wg.Wait()

	e.mu.Lock()
	delete(e.storages, id)
	e.freeSlots = append(e.freeSlots, id)
	e.mu.Unlock()

	if err := p.Close(); err != nil {
		logger.Errorf("close %s: %v", p.Path(), err)
	}
}

// flushShard writes the shard's dirty blocks for one storage through to
// disk. Runs on the shard's owner.
func (e *Engine) flushShard(shard *cache.Shard, p *storage.Partition, id common.StorageID) {
	for _, loc := range shard.CollectDirty(id) {
		shard.Get(loc, func(buf []byte) {
			if _, err := p.Write(buf, loc.Piece, loc.Offset, len(buf)); err != nil {
				logger.Errorf("flush %d/%d/%d: %v", loc.Storage, loc.Piece, loc.Offset, err)
			}
		})
	}
}

// AsyncStopTorrent flushes every dirty block of the torrent and posts the
// handler once all shards have drained.
func (e *Engine) AsyncStopTorrent(id common.StorageID, handler func()) {
	p, err := e.storageFor(id)
	if err != nil {
		e.exec.Post(handler)
		return
	}

	var wg sync.WaitGroup
	for i, w := range e.workers {
		wg.Add(1)
		shard := e.cache.Shard(i)
		w.post(func() {
			defer wg.Done()
			e.flushShard(shard, p, id)
		})
	}

	go func() {
		wg.Wait()
		e.exec.Post(handler)
	}()
}

// AsyncReleaseFiles has nothing to release for a raw device.
func (e *Engine) AsyncReleaseFiles(id common.StorageID, handler func()) {
	e.exec.Post(handler)
}

// AsyncDeleteFiles never deletes device content.
func (e *Engine) AsyncDeleteFiles(id common.StorageID, handler func(error)) {
	e.exec.Post(func() { handler(nil) })
}

// AsyncSetFilePriority is meaningless on a raw device.
func (e *Engine) AsyncSetFilePriority(id common.StorageID, prio []int, handler func(error, []int)) {
	e.exec.Post(func() { handler(errors.NewUnsupported(errors.OpFilePriority), prio) })
}

// AsyncRenameFile is meaningless on a raw device: names are offsets.
func (e *Engine) AsyncRenameFile(id common.StorageID, index int, name string, handler func(string, int, error)) {
	e.exec.Post(func() { handler(name, index, errors.NewUnsupported(errors.OpRenameFile)) })
}

// AsyncClearPiece synchronizes with outstanding operations on the piece by
// scheduling through its owning worker, then reports back.
func (e *Engine) AsyncClearPiece(id common.StorageID, piece int, handler func(piece int)) {
	w := e.workerFor(common.BlockLoc{Storage: id, Piece: piece})
	w.post(func() {
		e.exec.Post(func() { handler(piece) })
	})
}

// AsyncMoveStorage is unsupported: device content does not move.
func (e *Engine) AsyncMoveStorage(id common.StorageID, path string, handler func(string, error)) {
	e.exec.Post(func() { handler(path, errors.NewUnsupported(errors.OpMoveStorage)) })
}

// AsyncCheckFiles reports no error and no resume data.
func (e *Engine) AsyncCheckFiles(id common.StorageID, handler func(error)) {
	e.exec.Post(func() { handler(nil) })
}

// CountersSink receives gauge updates from UpdateStatsCounters.
type CountersSink interface {
	SetGauge(name string, value int64)
}

// UpdateStatsCounters publishes the buffer-pool gauge.
func (e *Engine) UpdateStatsCounters(sink CountersSink) {
	sink.SetGauge("disk.disk_blocks_in_use", int64(e.pool.Usage()))
}

// SettingsUpdated applies a new settings view: the pool budget changes in
// place and every shard is asked, on its own worker, to meet the new
// quota.
func (e *Engine) SettingsUpdated(s Settings) {
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()

	e.pool.SetSettings(s.PoolBytes)

	quota := e.cache.QuotaFor(s.CacheEntries)
	for i, w := range e.workers {
		shard := e.cache.Shard(i)
		w.post(func() { shard.SetMaxEntries(quota) })
	}
}

// SubmitJobs is a batch notifier; dispatch happens at post time.
func (e *Engine) SubmitJobs() {}

// Abort shuts the engine down. Pending tasks complete; with wait set the
// call joins every worker, the stats reporter and (when owned) the
// callback executor.
func (e *Engine) Abort(wait bool) {
	e.mu.Lock()
	if e.aborted {
		e.mu.Unlock()
		return
	}
	e.aborted = true
	storages := e.storages
	e.storages = make(map[common.StorageID]*storage.Partition)
	e.mu.Unlock()

	e.reporter.stop()

	join := func() {
		for _, w := range e.workers {
			w.close()
		}
		for id, p := range storages {
			if err := p.Close(); err != nil {
				logger.Errorf("close storage %d: %v", id, err)
			}
		}
		if e.ownsExec {
			e.exec.(*SerialExecutor).Close()
		}
		logger.Infof("disk engine stopped")
	}

	if wait {
		join()
	} else {
		go join()
	}
}

// Registry exposes the engine's prometheus registry for the control
// surface.
func (e *Engine) Registry() *prometheus.Registry {
	return e.metrics.registry
}

// CacheStats gathers one snapshot per shard, each taken on the shard's
// owning worker.
func (e *Engine) CacheStats() []cache.Stats {
	out := make([]cache.Stats, len(e.workers))

	var wg sync.WaitGroup
	for i, w := range e.workers {
		wg.Add(1)
		i := i
		shard := e.cache.Shard(i)
		w.post(func() {
			defer wg.Done()
			out[i] = shard.Snapshot()
		})
	}
	wg.Wait()

	return out
}

// PoolUsage returns the number of live pool buffers.
func (e *Engine) PoolUsage() int {
	return e.pool.Usage()
}

// PieceSize returns the byte length of a piece, 0 for unknown storage.
func (e *Engine) PieceSize(id common.StorageID, piece int) int {
	p, err := e.storageFor(id)
	if err != nil {
		return 0
	}
	return p.PieceSize(piece)
}
