package optimize

import (
	"sync"
)

// BytePool hands out fixed-size byte buffers. Buffers are stored by pointer
// so Put does not allocate.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Size is the length of every buffer returned by Get.
func (p *BytePool) Size() int {
	return p.size
}

// Get returns a buffer of length Size.
func (p *BytePool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns a buffer. Buffers smaller than Size are discarded.
func (p *BytePool) Put(b *[]byte) {
	if b == nil || cap(*b) < p.size {
		return
	}
	*b = (*b)[:p.size]
	p.pool.Put(b)
}
