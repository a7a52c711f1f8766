package concurrency

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

const (
	// DefaultInitialBufferSize is the initial size of the pooled buffers.
	// Responses to block queries are usually a few KB; start with 64KB buffers.
	DefaultInitialBufferSize = 64 * 1024

	// DefaultMaxBufferSize is the largest buffer returned to the pool.
	// Set to 4MB to avoid memory bloat.
	DefaultMaxBufferSize = 4 * 1024 * 1024

	// DefaultMaxReaderSize is the default limit on the size of a single response.
	DefaultMaxReaderSize = 100 * 1024 * 1024
)

// ErrReaderSizeExceeded is returned when a reader has more than the pool's limit.
var ErrReaderSizeExceeded = fmt.Errorf("reader exceeds maximum size")

// BufferPool manages reusable byte buffers to reduce GC pressure.
// Uses sync.Pool for efficient buffer recycling with size limits.
type BufferPool struct {
	pool          sync.Pool
	maxReaderSize int64
}

func NewBufferPool(maxReaderSize int64) *BufferPool {
	if maxReaderSize <= 0 {
		maxReaderSize = DefaultMaxReaderSize
	}
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				return bytes.NewBuffer(make([]byte, 0, DefaultInitialBufferSize))
			},
		},
		maxReaderSize: maxReaderSize,
	}
}

func (bp *BufferPool) getBuffer() *bytes.Buffer {
	buf := bp.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// putBuffer returns a buffer to the pool.
// Buffers larger than DefaultMaxBufferSize are dropped.
func (bp *BufferPool) putBuffer(buf *bytes.Buffer) {
	if buf.Cap() > DefaultMaxBufferSize {
		return
	}
	bp.pool.Put(buf)
}

// ReadWithBuffer reads all of r using a pooled buffer.
// It fails with ErrReaderSizeExceeded if r holds more than the pool's limit.
func (bp *BufferPool) ReadWithBuffer(r io.Reader) ([]byte, error) {
	buf := bp.getBuffer()
	defer bp.putBuffer(buf)

	if _, err := buf.ReadFrom(io.LimitReader(r, bp.maxReaderSize+1)); err != nil {
		return nil, err
	}
	if int64(buf.Len()) > bp.maxReaderSize {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrReaderSizeExceeded, bp.maxReaderSize)
	}

	// Return independent copy to avoid data races
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
