// Package pool implements the fixed-budget 16 KiB buffer allocator that
// backs the disk engine's write path and backpressure signalling.
package pool

import (
	"sync"

	"github.com/ncw/directio"

	"github.com/tjjh89017/ezio/internal/common"
	"github.com/tjjh89017/ezio/internal/logger"
)

// Observer is a one-shot capability the protocol core registers while the
// pool is exhausted. OnDisk is invoked on the engine's executor once usage
// falls to the low watermark. An observer whose peer has gone away must
// treat OnDisk as a no-op.
type Observer interface {
	OnDisk()
}

// Pool hands out 16 KiB buffers up to a fixed count. Crossing the high
// watermark latches the exceeded flag; dropping back to the low watermark
// clears it and wakes every registered observer.
type Pool struct {
	mu sync.Mutex

	post func(func())

	maxCount      int
	lowWatermark  int
	highWatermark int

	usage    int
	exceeded bool

	observers []Observer
}

// New creates a pool sized to maxBytes / 16 KiB buffers. Observer wakeups
// are scheduled through post, which must run them on the engine's executor.
func New(maxBytes int, post func(func())) *Pool {
	p := &Pool{post: post}
	p.setBounds(maxBytes / common.BlockSize)
	return p
}

func (p *Pool) setBounds(maxCount int) {
	p.maxCount = maxCount
	p.lowWatermark = maxCount / 2
	p.highWatermark = maxCount * 7 / 8
}

// Allocate returns a buffer, or nil when the pool budget is spent.
func (p *Pool) Allocate() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocate()
}

// AllocateWithObserver allocates like Allocate and reports whether the
// exceeded flag is latched. When it is, the observer (if any) is enqueued
// for the next below-low-watermark wakeup.
func (p *Pool) AllocateWithObserver(o Observer) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := p.allocate()

	exceeded := p.exceeded
	if exceeded && o != nil {
		p.observers = append(p.observers, o)
	}

	return buf, exceeded
}

// allocate requires p.mu held.
func (p *Pool) allocate() []byte {
	if p.usage >= p.maxCount {
		p.exceeded = true
		return nil
	}

	if p.usage > p.highWatermark {
		p.exceeded = true
	}

	// Aligned so the same buffers work against O_DIRECT descriptors.
	buf := directio.AlignedBlock(common.BlockSize)
	p.usage++
	return buf
}

// Free returns a buffer to the pool. When usage drops to the low watermark
// the observer list is detached and scheduled outside the pool lock.
func (p *Pool) Free(buf []byte) {
	if buf == nil {
		return
	}

	p.mu.Lock()
	p.usage--
	p.checkBufferLevel()
}

// checkBufferLevel requires p.mu held and releases it.
func (p *Pool) checkBufferLevel() {
	if !p.exceeded || p.usage > p.lowWatermark {
		p.mu.Unlock()
		return
	}

	p.exceeded = false

	cbs := p.observers
	p.observers = nil
	p.mu.Unlock()

	if len(cbs) == 0 {
		return
	}

	logger.Debugf("pool recovered below low watermark, waking %d observer(s)", len(cbs))
	p.post(func() {
		for _, o := range cbs {
			o.OnDisk()
		}
	})
}

// SetSettings resizes the pool budget at runtime. If usage already exceeds
// the new budget the exceeded flag latches until enough buffers are freed.
func (p *Pool) SetSettings(maxBytes int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.setBounds(maxBytes / common.BlockSize)
	if p.usage > p.maxCount {
		p.exceeded = true
	}
}

// Usage returns the number of live buffers.
func (p *Pool) Usage() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

// Exceeded reports whether the pool is latched under pressure.
func (p *Pool) Exceeded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exceeded
}
