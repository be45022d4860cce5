package play

import "sync"

// BytePool recycles read buffers across sessions. One buffer lives as long
// as its session, so the pool mostly absorbs connection churn.
type BytePool struct {
	pool sync.Pool
}

// NewBytePool creates a buffer pool whose fresh slices have defaultCap.
func NewBytePool(defaultCap int) *BytePool {
	p := &BytePool{}
	p.pool.New = func() any {
		return make([]byte, 0, defaultCap)
	}
	return p
}

// Get returns a slice of length size, preferably from the pool.
func (p *BytePool) Get(size int) []byte {
	b := p.pool.Get().([]byte)
	if cap(b) < size {
		p.pool.Put(b)
		return make([]byte, size)
	}
	return b[:size]
}

// Put hands the slice back for reuse.
func (p *BytePool) Put(b []byte) {
	if b == nil {
		return
	}
	p.pool.Put(b[:0])
}
