// Package pool holds the reusable byte buffers shared by the checksum and
// archive code paths.
package pool

import "sync"

// ChunkSize is the read size used when hashing and copying file content.
const ChunkSize = 32768

// Chunks is the process-wide pool of ChunkSize buffers.
var Chunks = NewFixedBuffer(ChunkSize)

// FixedBufferPool hands out byte slices of one fixed size. It is safe for
// concurrent use.
type FixedBufferPool struct {
	size int
	pool sync.Pool
}

// NewFixedBuffer returns a pool of size-byte buffers.
func NewFixedBuffer(size int) *FixedBufferPool {
	fp := &FixedBufferPool{size: size}
	fp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return fp
}

// Size returns the length of the buffers handed out by Get.
func (fp *FixedBufferPool) Size() int {
	return fp.size
}

func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

func (fp *FixedBufferPool) Put(b *[]byte) {
	// Foreign or resized slices are dropped.
	if b == nil || cap(*b) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
