package internal

import "sync"

// BufferPool recycles byte slices used as connection input and output buffers.
type BufferPool struct {
	pool sync.Pool
	max  int
}

// NewBufferPool returns a pool handing out slices of initialSize capacity.
// Slices that grew beyond maxSize are dropped on Put instead of being retained.
func NewBufferPool(initialSize, maxSize int) *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, 0, initialSize)
				return &b
			},
		},
		max: maxSize,
	}
}

// Get returns an empty slice.
func (p *BufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns b to the pool. b must not be used afterwards.
func (p *BufferPool) Put(b *[]byte) {
	if b == nil || cap(*b) > p.max {
		return
	}
	*b = (*b)[:0]
	p.pool.Put(b)
}

// Grow makes room for at least n more bytes after len(*b), keeping the content.
func Grow(b *[]byte, n int) {
	buf := *b
	if cap(buf)-len(buf) >= n {
		return
	}
	size := max(2*cap(buf), len(buf)+n)
	grown := make([]byte, len(buf), size)
	copy(grown, buf)
	*b = grown
}
