package diskio

import "github.com/tjjh89017/ezio/internal/pool"

// BufferHolder is the move-only owner of a pool buffer handed to the
// protocol core by AsyncRead. The holder must not be copied; whoever ends
// up with it calls Release exactly once to return the buffer to the pool.
type BufferHolder struct {
	pool   *pool.Pool
	buf    []byte
	length int
}

func newBufferHolder(p *pool.Pool, buf []byte, length int) *BufferHolder {
	return &BufferHolder{
		pool:   p,
		buf:    buf,
		length: length,
	}
}

// Bytes returns the payload view of the buffer.
func (h *BufferHolder) Bytes() []byte {
	if h.buf == nil {
		return nil
	}
	return h.buf[:h.length]
}

// Len returns the payload length.
func (h *BufferHolder) Len() int {
	return h.length
}

// Release returns the buffer to the pool. Safe to call more than once;
// only the first call releases.
func (h *BufferHolder) Release() {
	if h.buf == nil {
		return
	}
	h.pool.Free(h.buf)
	h.buf = nil
	h.length = 0
}
